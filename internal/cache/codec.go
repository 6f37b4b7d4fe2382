package cache

import (
	"encoding/json"
	"fmt"

	"github.com/kjstillabower/coverage-verifier/internal/models"
)

// codecVersion is bumped whenever models.Result changes shape. Entries written
// under another version read as misses, so a rolling deploy never serves a result
// decoded into the wrong fields.
const codecVersion = 1

type envelope struct {
	Version int           `json:"v"`
	Result  models.Result `json:"result"`
}

func encodeResult(r models.Result) ([]byte, error) {
	raw, err := json.Marshal(envelope{Version: codecVersion, Result: r})
	if err != nil {
		return nil, fmt.Errorf("encode cached result: %w", err)
	}
	return raw, nil
}

// decodeResult returns ok=false for entries from another codec version.
func decodeResult(raw []byte) (models.Result, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Result{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	if env.Version != codecVersion {
		return models.Result{}, false, nil
	}
	return env.Result, true, nil
}
