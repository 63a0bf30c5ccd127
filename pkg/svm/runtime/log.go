package runtime

import (
	"encoding/base64"
	"fmt"

	"github.com/fortiblox/svmsim/internal/types"
)

// LogCollector gathers program log lines up to a byte limit.
type LogCollector struct {
	messages  []string
	written   int
	limit     int
	truncated bool
}

// NewLogCollector returns a collector that stops recording once limit
// bytes have been logged. A zero limit means unlimited.
func NewLogCollector(limit int) *LogCollector {
	return &LogCollector{limit: limit}
}

// Log records one line. The first line that would reach the limit is
// replaced by "Log truncated" and later lines are dropped.
func (lc *LogCollector) Log(msg string) {
	if lc == nil {
		return
	}
	if lc.limit > 0 {
		written := lc.written + len(msg)
		if written >= lc.limit {
			if !lc.truncated {
				lc.truncated = true
				lc.messages = append(lc.messages, "Log truncated")
			}
			return
		}
		lc.written = written
	}
	lc.messages = append(lc.messages, msg)
}

// Messages returns the recorded lines.
func (lc *LogCollector) Messages() []string {
	if lc == nil {
		return nil
	}
	return lc.messages
}

// Truncated reports whether lines were dropped.
func (lc *LogCollector) Truncated() bool { return lc != nil && lc.truncated }

func logInvoke(lc *LogCollector, programID types.Pubkey, height int) {
	lc.Log(fmt.Sprintf("Program %s invoke [%d]", programID, height))
}

func logConsumed(lc *LogCollector, programID types.Pubkey, consumed, budget uint64) {
	lc.Log(fmt.Sprintf("Program %s consumed %d of %d compute units", programID, consumed, budget))
}

func logReturn(lc *LogCollector, programID types.Pubkey, data []byte) {
	lc.Log(fmt.Sprintf("Program return: %s %s", programID, base64.StdEncoding.EncodeToString(data)))
}

func logSuccess(lc *LogCollector, programID types.Pubkey) {
	lc.Log(fmt.Sprintf("Program %s success", programID))
}

func logFailure(lc *LogCollector, programID types.Pubkey, err error) {
	lc.Log(fmt.Sprintf("Program %s failed: %v", programID, err))
}
