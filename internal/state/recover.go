package state

import (
	"io/fs"

	"polymm/internal/errors"
	"polymm/internal/unwind"

	"github.com/yanun0323/logs"
)

// RecoverResult is the book rebuilt at start-up. Strategy is set only when
// the previous run crashed and says how to treat the inherited inventory.
type RecoverResult struct {
	Book     *Book
	Found    bool
	Clean    bool
	Strategy unwind.Strategy
}

// Recover loads the last snapshot. An unclean snapshot means the previous
// run crashed; onCrash is then reported as the strategy, HOLD when unset.
func Recover(path string, onCrash unwind.Strategy) (RecoverResult, error) {
	if !onCrash.IsAvailable() {
		onCrash = unwind.StrategyHold
	}
	book := NewBook()
	res := RecoverResult{Book: book, Clean: true}
	if path == "" {
		return res, nil
	}

	snap, err := ReadSnapshot(path)
	if errors.Is(err, fs.ErrNotExist) {
		logs.Infof("no snapshot at %s, start flat", path)
		return res, nil
	}
	if err != nil {
		return RecoverResult{}, err
	}

	book.ApplySnapshot(snap)
	res.Found = true
	res.Clean = snap.Clean
	if !snap.Clean {
		res.Strategy = onCrash
		logs.Warnf("snapshot %s is unclean, previous run crashed, strategy: %s, open markets: %v", path, onCrash, book.Open())
	}
	return res, nil
}
