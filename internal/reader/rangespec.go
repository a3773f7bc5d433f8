package reader

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/manifest"
	"github.com/partstash/partstash/internal/partstore"
)

// RangeKind distinguishes the shapes a RangeSpec can take.
type RangeKind int

const (
	// RangeWhole selects the entire file.
	RangeWhole RangeKind = iota
	// RangeBounded selects [Start, End], with End -1 meaning to EOF.
	RangeBounded
	// RangeSuffix selects the last Length bytes.
	RangeSuffix
)

// RangeSpec is the byte range requested by a reader, before it is
// resolved against the file size.
type RangeSpec struct {
	Kind   RangeKind
	Start  int64
	End    int64
	Length int64
}

// Whole selects the entire file.
func Whole() RangeSpec { return RangeSpec{Kind: RangeWhole} }

// Bounded selects the inclusive range [start, end].
func Bounded(start, end int64) RangeSpec {
	return RangeSpec{Kind: RangeBounded, Start: start, End: end}
}

// From selects everything from start to the end of the file.
func From(start int64) RangeSpec {
	return RangeSpec{Kind: RangeBounded, Start: start, End: -1}
}

// Suffix selects the last n bytes.
func Suffix(n int64) RangeSpec {
	return RangeSpec{Kind: RangeSuffix, Length: n}
}

func (s RangeSpec) String() string {
	switch s.Kind {
	case RangeWhole:
		return "whole"
	case RangeSuffix:
		return fmt.Sprintf("bytes=-%d", s.Length)
	default:
		if s.End < 0 {
			return fmt.Sprintf("bytes=%d-", s.Start)
		}
		return fmt.Sprintf("bytes=%d-%d", s.Start, s.End)
	}
}

// ParseRange parses an HTTP Range header value. An empty header selects
// the whole file. Only a single bytes range is supported; multiple ranges
// and malformed values fail with RangeNotSatisfiable.
func ParseRange(header string) (RangeSpec, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Whole(), nil
	}

	unsatisfiable := func(format string, args ...any) (RangeSpec, error) {
		return RangeSpec{}, stasherr.ErrRangeNotSatisfiable.WithMessage(format, args...)
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return unsatisfiable("unsupported range unit in %q", header)
	}
	if strings.Contains(spec, ",") {
		return unsatisfiable("multiple ranges are not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return unsatisfiable("invalid range %q", spec)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		if endStr == "" {
			return unsatisfiable("invalid range %q", spec)
		}
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return unsatisfiable("invalid suffix length %q", endStr)
		}
		return Suffix(n), nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return unsatisfiable("invalid range start %q", startStr)
	}
	if endStr == "" {
		return From(start), nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return unsatisfiable("invalid range end %q", endStr)
	}
	if start > end {
		return unsatisfiable("range start %d > end %d", start, end)
	}
	return Bounded(start, end), nil
}

// ResolvedRange is a RangeSpec resolved against a concrete file size. End
// is inclusive; an empty file read whole resolves to Start 0, End -1.
type ResolvedRange struct {
	Start     int64
	End       int64
	TotalSize int64
	// Partial is true for any explicit range, so that HTTP callers respond
	// 206 with Content-Range.
	Partial bool
}

// Length returns the number of bytes in the range.
func (r ResolvedRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value.
func (r ResolvedRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.TotalSize)
}

// Resolve clamps spec against total. It fails with RangeNotSatisfiable
// when the range starts at or beyond the end of the file, is inverted, or
// is an empty suffix.
func Resolve(spec RangeSpec, total int64) (ResolvedRange, error) {
	r := ResolvedRange{TotalSize: total}
	switch spec.Kind {
	case RangeWhole:
		r.End = total - 1
		return r, nil

	case RangeSuffix:
		if spec.Length <= 0 || total == 0 {
			return r, stasherr.ErrRangeNotSatisfiable.WithMessage(
				"suffix of %d bytes not satisfiable for size %d", spec.Length, total)
		}
		r.Start = max(total-spec.Length, 0)
		r.End = total - 1
		r.Partial = true
		return r, nil

	case RangeBounded:
		if spec.Start < 0 || spec.Start >= total {
			return r, stasherr.ErrRangeNotSatisfiable.WithMessage(
				"range start %d not satisfiable for size %d", spec.Start, total)
		}
		end := spec.End
		if end < 0 || end >= total {
			end = total - 1
		}
		if spec.Start > end {
			return r, stasherr.ErrRangeNotSatisfiable.WithMessage("range start %d > end %d", spec.Start, end)
		}
		r.Start, r.End, r.Partial = spec.Start, end, true
		return r, nil

	default:
		return r, stasherr.ErrInvalidArgument.WithMessage("unknown range kind %d", spec.Kind)
	}
}

// Fetch is one contiguous read from a single part.
type Fetch struct {
	PartIndex int
	Ref       partstore.PartRef
	Offset    int64
	Length    int64
}

// PlanFetches maps the inclusive file range [start, end] onto the parts
// that cover it, in part order. The parts must be contiguous and ordered by
// index; the range must lie within their combined size.
func PlanFetches(parts []manifest.Part, start, end int64) []Fetch {
	if start > end || len(parts) == 0 {
		return nil
	}

	// ends[i] is the exclusive end offset of part i in the file.
	ends := make([]int64, len(parts))
	var off int64
	for i, p := range parts {
		off += p.Size
		ends[i] = off
	}

	first := sort.Search(len(ends), func(i int) bool { return ends[i] > start })
	var fetches []Fetch
	for i := first; i < len(parts) && ends[i]-parts[i].Size <= end; i++ {
		partStart := ends[i] - parts[i].Size
		from := max(start, partStart)
		to := min(end, ends[i]-1)
		fetches = append(fetches, Fetch{
			PartIndex: parts[i].Index,
			Ref:       partstore.PartRef(parts[i].Ref),
			Offset:    from - partStart,
			Length:    to - from + 1,
		})
	}
	return fetches
}
