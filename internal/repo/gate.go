package repo

import "context"

// Gate is the storage-backed verification gate consumed by the progression
// engine. An item with no required criteria recorded is treated as
// unsatisfied: requiring verification without stating criteria fails
// closed.
type Gate struct {
	Repo Repo
}

func (g Gate) AllCriteriaSatisfied(ctx context.Context, itemID string) (bool, error) {
	required, err := g.Repo.ListCriteria(ctx, itemID)
	if err != nil {
		return false, err
	}
	if len(required) == 0 {
		return false, nil
	}
	recorded, err := g.Repo.ListVerifications(ctx, itemID)
	if err != nil {
		return false, err
	}
	have := make(map[string]bool, len(recorded))
	for _, v := range recorded {
		have[v.Criterion] = true
	}
	for _, c := range required {
		if !have[c] {
			return false, nil
		}
	}
	return true, nil
}
