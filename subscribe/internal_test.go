package subscribe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// should pick the rendered value per the retention rules
func TestResolveOrder(t *testing.T) {
	cases := []struct {
		name       string
		transition bool
		keep       bool
		snapshot   string
		hasSnap    bool
		prev       string
		hasPrev    bool
		want       string
	}{
		{"empty falls to default", false, true, "", false, "", false, "def"},
		{"snapshot wins", false, true, "snap", true, "prev", true, "snap"},
		{"prev fills the gap", false, true, "", false, "prev", true, "prev"},
		{"retention off ignores prev", false, false, "", false, "prev", true, "def"},
		{"transition without retention shows default", true, false, "snap", true, "prev", true, "def"},
		{"transition with retention keeps snapshot", true, true, "snap", true, "prev", true, "snap"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &Binding[struct{}, string]{
				snapshot:    tc.snapshot,
				hasSnapshot: tc.hasSnap,
				prev:        tc.prev,
				hasPrev:     tc.hasPrev,
			}
			o := renderOptions[string]{def: "def", keepPrev: tc.keep}
			assert.Equal(t, tc.want, b.resolve(o, tc.transition))
		})
	}
}

// should guard identity comparison against uncomparable values
func TestIdentical(t *testing.T) {
	assert.True(t, identical(nil, nil))
	assert.False(t, identical(nil, 1))
	assert.True(t, identical("a", "a"))
	assert.False(t, identical("a", "b"))
	assert.False(t, identical(1, int64(1)))

	s := []int{1}
	assert.False(t, identical(s, s))

	p := &struct{ n int }{1}
	assert.True(t, identical(p, p))
	assert.False(t, identical(p, &struct{ n int }{1}))
}
