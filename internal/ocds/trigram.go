package ocds

// Trigrams returns the set of word trigrams of the folded text, each word
// padded with two leading and one trailing blank.
func Trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range Tokens(s) {
		r := []rune("  " + w + " ")
		for i := 0; i+3 <= len(r); i++ {
			set[string(r[i:i+3])] = struct{}{}
		}
	}
	return set
}

// Similarity is the Jaccard index of the two trigram sets.
func Similarity(a, b string) float64 {
	ta, tb := Trigrams(a), Trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := intersect(ta, tb)
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}

// WordSimilarity is the share of the query's trigrams found in text.
func WordSimilarity(query, text string) float64 {
	tq := Trigrams(query)
	if len(tq) == 0 {
		return 0
	}
	return float64(intersect(tq, Trigrams(text))) / float64(len(tq))
}

func intersect(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}
