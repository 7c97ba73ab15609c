package alignment

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/ashita-ai/hyoka/internal/model"
)

const hashV1Prefix = "v1:"

// ConfigurationHash identifies the scored part of a configuration. Two
// configurations with the same hash produce comparable confusion matrices.
// Each field is length-prefixed so that delimiter characters in free text
// cannot collide.
func ConfigurationHash(cfg model.EvaluationConfiguration) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // configuration text is bounded by the row size
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(cfg.Criteria)
	writeField(cfg.PassDescription)
	writeField(cfg.FailDescription)
	writeField(cfg.ProviderName)
	writeField(cfg.Model)
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// ConfigurationChanged reports whether stored metadata was scored under a
// different configuration than cfg. Missing metadata counts as changed.
func ConfigurationChanged(prior *model.AlignmentMetricMetadata, cfg model.EvaluationConfiguration) bool {
	return prior == nil || prior.AlignmentHash != ConfigurationHash(cfg)
}
