package storage

import (
	"context"
	"sort"
	"time"

	"github.com/rowjay/tender-mirror/internal/config"
)

// ApplyRetention deletes archives under prefix that fall outside policy,
// oldest first, together with their manifests. The newest keep_last archives
// and those younger than keep_days are always kept; with max_bytes set,
// deletion stops once the total fits. It returns the deleted archives.
func ApplyRetention(ctx context.Context, st Storage, prefix string, policy config.Retention, now time.Time) ([]Object, error) {
	if policy.KeepDays == 0 && policy.KeepLast == 0 && policy.MaxBytes == 0 {
		return nil, nil
	}
	objects, err := st.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var archives []Object
	var total int64
	for _, obj := range objects {
		if obj.IsManifest {
			continue
		}
		archives = append(archives, obj)
		total += obj.Size
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].Modified.After(archives[j].Modified) })

	cutoff := now.AddDate(0, 0, -policy.KeepDays)
	var candidates []Object
	for i, obj := range archives {
		if policy.KeepLast > 0 && i < policy.KeepLast {
			continue
		}
		if policy.KeepDays > 0 && obj.Modified.After(cutoff) {
			continue
		}
		candidates = append(candidates, obj)
	}
	var deleted []Object
	for i := len(candidates) - 1; i >= 0; i-- {
		if policy.MaxBytes > 0 && total <= policy.MaxBytes {
			break
		}
		obj := candidates[i]
		if err := st.Delete(ctx, obj.Key); err != nil {
			return deleted, err
		}
		_ = st.Delete(ctx, ManifestKey(obj.Key))
		total -= obj.Size
		deleted = append(deleted, obj)
	}
	return deleted, nil
}
