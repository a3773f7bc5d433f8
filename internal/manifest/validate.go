package manifest

import (
	"errors"
	"fmt"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/uid"
)

// Validate checks the structural invariants of a complete manifest: a valid
// id, contiguous zero-based part indices, every part size in
// [1, maxPartSize], non-empty refs, and a total equal to the sum of the
// part sizes. maxPartSize <= 0 disables the upper bound. All violations are
// reported together.
func Validate(file *LogicalFile, maxPartSize int64) error {
	var errs []error
	if !uid.Valid(file.ID) {
		errs = append(errs, fmt.Errorf("invalid id %q", file.ID))
	}

	var sum int64
	for i, p := range file.Parts {
		if p.Index != i {
			errs = append(errs, fmt.Errorf("part %d has index %d", i, p.Index))
		}
		if p.Size < 1 {
			errs = append(errs, fmt.Errorf("part %d has size %d", i, p.Size))
		}
		if maxPartSize > 0 && p.Size > maxPartSize {
			errs = append(errs, fmt.Errorf("part %d has size %d, above the %d limit", i, p.Size, maxPartSize))
		}
		if p.Ref == "" {
			errs = append(errs, fmt.Errorf("part %d has no ref", i))
		}
		sum += p.Size
	}

	if len(errs) > 0 {
		return stasherr.ErrInvalidArgument.WithMessage("invalid manifest %q", file.ID).WithCause(errors.Join(errs...))
	}
	if sum != file.TotalSize {
		return stasherr.ErrSizeMismatch.WithMessage("manifest %q: total size %d does not match part sizes sum %d", file.ID, file.TotalSize, sum)
	}
	return nil
}
