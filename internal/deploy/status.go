package deploy

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/zeebo/blake3"
)

// Status compares every planned file with its destination without changing
// anything.
func (d *Deployer) Status(ctx context.Context) (*Report, error) {
	plan, err := d.Plan()
	if err != nil {
		return nil, err
	}

	report := &Report{Skipped: plan.Skipped}
	for _, action := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome, err := compare(action.Entry.Source, action.Dest)
		if err != nil {
			d.logger.Error("failed to compare file", "dest", action.Dest, "error", err)
		} else {
			d.logger.Debug("compared file", "dest", action.Dest, "outcome", outcome)
		}
		report.add(action, outcome, err)
	}

	d.logger.Info("status finished",
		"identical", report.Count(OutcomeIdentical),
		"different", report.Count(OutcomeDifferent),
		"missing", report.Count(OutcomeMissing),
		"failed", report.Count(OutcomeFailed))

	return report, nil
}

func compare(src, dst string) (Outcome, error) {
	if _, err := os.Stat(dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return OutcomeMissing, nil
		}
		return OutcomeFailed, fileError("stat", dst, err)
	}

	srcSum, err := digest(src)
	if err != nil {
		return OutcomeFailed, fileError("hash", src, err)
	}
	dstSum, err := digest(dst)
	if err != nil {
		return OutcomeFailed, fileError("hash", dst, err)
	}

	if srcSum == dstSum {
		return OutcomeIdentical, nil
	}
	return OutcomeDifferent, nil
}

// digest returns the BLAKE3 sum of a file's content
func digest(path string) ([32]byte, error) {
	var sum [32]byte

	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
