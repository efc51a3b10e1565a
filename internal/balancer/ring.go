package balancer

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

const virtualNodes = 128

type ringPoint struct {
	hash uint64
	id   domain.InstanceID
}

// hashRing maps keys onto instances so that a change in the instance set only
// moves the keys owned by the instances that came or went.
type hashRing struct {
	signature string
	points    []ringPoint
}

func newHashRing(ids []domain.InstanceID) *hashRing {
	r := &hashRing{signature: ringSignature(ids), points: make([]ringPoint, 0, len(ids)*virtualNodes)}
	for _, id := range ids {
		base := strconv.FormatUint(uint64(id), 10) + "#"
		for v := 0; v < virtualNodes; v++ {
			r.points = append(r.points, ringPoint{
				hash: xxhash.Sum64String(base + strconv.Itoa(v)),
				id:   id,
			})
		}
	}
	slices.SortFunc(r.points, func(a, b ringPoint) int {
		if c := cmp.Compare(a.hash, b.hash); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return r
}

func (r *hashRing) lookup(key string) domain.InstanceID {
	h := xxhash.Sum64String(key)
	i, _ := slices.BinarySearchFunc(r.points, h, func(p ringPoint, t uint64) int {
		return cmp.Compare(p.hash, t)
	})
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].id
}

func ringSignature(ids []domain.InstanceID) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	b := make([]byte, 0, len(sorted)*8)
	for _, id := range sorted {
		b = strconv.AppendUint(b, uint64(id), 10)
		b = append(b, ',')
	}
	return string(b)
}
