package planner

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"

	"github.com/opencustody/signer-node/log"
)

const gasHintPrefix = "gashint:"

type gasHintRecord struct {
	PerCallGas uint64 `cbor:"1,keyasint"`
	UpdatedAt  int64  `cbor:"2,keyasint"`
}

// GasHints tracks an exponentially weighted moving average of the observed
// per-transfer gas for each token, so batches for a token can be sized from
// history when estimation is unavailable. Hints survive restarts through a
// small pebble database; with no database they live in memory only.
type GasHints struct {
	mu    sync.Mutex
	hints map[string]uint64
	db    *pebble.DB
}

// NewGasHints opens the hint store at dataDir. An empty dataDir keeps the
// hints in memory only.
func NewGasHints(dataDir string) (*GasHints, error) {
	h := &GasHints{hints: make(map[string]uint64)}
	if dataDir == "" {
		return h, nil
	}
	db, err := pebble.Open(dataDir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open gas hint db: %w", err)
	}
	h.db = db
	return h, nil
}

// Close flushes and closes the underlying database.
func (h *GasHints) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

func hintKey(chain, network, token string) string {
	return gasHintPrefix + strings.ToLower(chain) + ":" + strings.ToLower(network) + ":" + strings.ToLower(token)
}

// Hint returns the averaged per-call gas for a token, if any has been seen.
func (h *GasHints) Hint(chain, network, token string) (uint64, bool) {
	key := hintKey(chain, network, token)
	h.mu.Lock()
	defer h.mu.Unlock()
	if gas, ok := h.hints[key]; ok {
		return gas, true
	}
	if h.db == nil {
		return 0, false
	}
	raw, closer, err := h.db.Get([]byte(key))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			log.Warnw("gas hint read failed", "key", key, "error", err.Error())
		}
		return 0, false
	}
	var rec gasHintRecord
	err = cbor.Unmarshal(raw, &rec)
	closer.Close()
	if err != nil {
		log.Warnw("gas hint record undecodable", "key", key, "error", err.Error())
		return 0, false
	}
	h.hints[key] = rec.PerCallGas
	return rec.PerCallGas, true
}

// Update folds a fresh per-call gas sample into the token's average using the
// weighting (4*old + sample) / 5, then persists the result best-effort.
func (h *GasHints) Update(chain, network, token string, sample uint64) uint64 {
	if sample == 0 {
		return 0
	}
	key := hintKey(chain, network, token)
	h.mu.Lock()
	defer h.mu.Unlock()
	gas := sample
	if old, ok := h.hints[key]; ok {
		gas = (4*old + sample) / 5
	}
	h.hints[key] = gas
	if h.db != nil {
		raw, err := cbor.Marshal(gasHintRecord{PerCallGas: gas, UpdatedAt: time.Now().Unix()})
		if err == nil {
			err = h.db.Set([]byte(key), raw, pebble.NoSync)
		}
		if err != nil {
			log.Warnw("gas hint persist failed", "key", key, "error", err.Error())
		}
	}
	return gas
}
