package config

import (
	"os"

	"github.com/rowjay/tender-mirror/internal/cryptoutil"
	"github.com/rowjay/tender-mirror/internal/util"
)

// EncryptConfigFile seals a plaintext config file so Load can read it back
// with TMR_CONFIG_KEY.
func EncryptConfigFile(inputPath, outputPath, key string) error {
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return err
	}
	ciphertext, err := cryptoutil.EncryptConfig(plain, parsed)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(outputPath, ciphertext, 0o600)
}
