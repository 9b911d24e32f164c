package campaign

import (
	"hash/fnv"
	"math"
	"sort"

	"notifyhub/internal/model"
)

// Assignment binds one audience member to the variant they will receive.
type Assignment struct {
	RecipientID string
	Variant     model.Variant
}

// Partition splits the audience across variants in proportion to their
// weights. Each variant's share is within one recipient of weight*N, the
// slices cover the audience exactly, and the split is deterministic: the
// same campaign id and audience always produce the same assignment.
func Partition(campaignID string, recipients []string, variants []model.Variant) []Assignment {
	ordered := make([]string, len(recipients))
	copy(ordered, recipients)
	sort.Slice(ordered, func(i, j int) bool {
		hi, hj := assignmentHash(campaignID, ordered[i]), assignmentHash(campaignID, ordered[j])
		if hi != hj {
			return hi < hj
		}
		return ordered[i] < ordered[j]
	})

	quotas := variantQuotas(len(ordered), variants)

	out := make([]Assignment, 0, len(ordered))
	cursor := 0
	for i, v := range variants {
		for k := 0; k < quotas[i]; k++ {
			out = append(out, Assignment{RecipientID: ordered[cursor], Variant: v})
			cursor++
		}
	}
	return out
}

// variantQuotas apportions n recipients by largest remainder so every quota
// is floor or ceil of the exact share and the quotas sum to n.
func variantQuotas(n int, variants []model.Variant) []int {
	quotas := make([]int, len(variants))
	type rem struct {
		idx  int
		frac float64
	}
	rems := make([]rem, 0, len(variants))

	assigned := 0
	for i, v := range variants {
		exact := float64(n) * v.Weight
		floor := int(math.Floor(exact))
		quotas[i] = floor
		assigned += floor
		rems = append(rems, rem{idx: i, frac: exact - float64(floor)})
	}

	sort.Slice(rems, func(i, j int) bool {
		if rems[i].frac != rems[j].frac {
			return rems[i].frac > rems[j].frac
		}
		return rems[i].idx < rems[j].idx
	})
	for k := 0; assigned < n; k++ {
		quotas[rems[k%len(rems)].idx]++
		assigned++
	}
	return quotas
}

func assignmentHash(campaignID, recipientID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(campaignID))
	h.Write([]byte{0})
	h.Write([]byte(recipientID))
	return h.Sum64()
}
