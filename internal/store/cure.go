package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cascade-cli/internal/model"
)

// sqlArgs collects bind arguments while rendering placeholders.
type sqlArgs struct {
	placeholder func(int) string
	values      []any
}

func (a *sqlArgs) add(v any) string {
	a.values = append(a.values, v)
	return a.placeholder(len(a.values))
}

// atCap reports whether the locked row refuses a counted attempt. Exhausted
// markers never count, so they are always accepted.
func atCap(a model.CureAttempt, count int, exhausted bool) bool {
	if a.Status == model.CureStatusExhausted {
		return false
	}
	return exhausted || (a.MaxAttempts > 0 && count >= a.MaxAttempts)
}

// exhaustedMarker is the attempt written in place of one refused at the cap.
func exhaustedMarker(a model.CureAttempt) model.CureAttempt {
	return model.CureAttempt{EnvelopeID: a.EnvelopeID, Status: model.CureStatusExhausted, At: a.At}
}

// cureUpdate renders the UPDATE applied after the row lock is held. Every
// right-hand side reads the pre-update row, so the attempt count is
// incremented relative to the stored value and original_score captures the
// score before this attempt only when it was never set.
func cureUpdate(a model.CureAttempt, placeholder func(int) string) (string, []any, error) {
	if a.EnvelopeID == "" {
		return "", nil, eris.New("cure attempt without envelope id")
	}
	if !a.Status.Valid() {
		return "", nil, eris.Errorf("invalid cure status %q", a.Status)
	}
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	args := &sqlArgs{placeholder: placeholder}
	var sets []string

	if a.Status == model.CureStatusExhausted {
		sets = append(sets,
			"curing_exhausted = true",
			"last_cure_status = "+args.add(string(a.Status)),
			"updated_at = "+args.add(at),
		)
	} else {
		sets = append(sets,
			"cure_attempt_count = cure_attempt_count + 1",
			"curing_exhausted = (curing_exhausted OR cure_attempt_count + 1 >= "+args.add(a.MaxAttempts)+")",
			"original_score = COALESCE(original_score, coherence_score)",
			"last_cure_status = "+args.add(string(a.Status)),
			"last_cure_model = "+args.add(a.Model),
			"last_cured_at = "+args.add(at),
			"updated_at = "+args.add(at),
		)
		if a.Result != nil {
			issuesJSON, snapshotJSON, err := encodeJSONColumns(a.Result.Issues, a.Snapshot)
			if err != nil {
				return "", nil, err
			}
			sets = append(sets,
				"coherence_score = "+args.add(a.Result.Score),
				"is_coherent = "+args.add(a.Result.IsCoherent),
				"issue_count = "+args.add(a.Result.IssueCount()),
				"issues = "+args.add(string(issuesJSON)),
				"cascade_snapshot = "+args.add(string(snapshotJSON)),
			)
		}
	}

	query := fmt.Sprintf(
		"UPDATE coherence_validation SET %s WHERE envelope_id = %s RETURNING cure_attempt_count, curing_exhausted",
		strings.Join(sets, ", "), args.add(a.EnvelopeID),
	)
	return query, args.values, nil
}
