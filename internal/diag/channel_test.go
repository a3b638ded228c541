package diag

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umka-embed/internal/domain"
	"umka-embed/pkg/umka/native"
)

func rec(msg string) domain.ErrorRecord {
	return domain.ErrorRecord{Kind: domain.CodeRuntime, Message: msg}
}

func TestChannel_FIFOAndStamp(t *testing.T) {
	c := New(4)
	c.Push(rec("a"))
	c.Push(rec("b"))

	got := c.Capture(domain.StateIdle)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Message)
	assert.Equal(t, "b", got[1].Message)
	for _, r := range got {
		assert.Equal(t, domain.StateIdle, r.State)
	}
	assert.Nil(t, c.Capture(domain.StateIdle))
	assert.Equal(t, 0, c.Len())
}

func TestChannel_OverflowDropsOldest(t *testing.T) {
	c := New(3)
	for i := range 10 {
		c.Push(rec(fmt.Sprint(i)))
	}
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 10, c.Total())

	got := c.Capture(domain.StateFaulted)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"7", "8", "9"}, []string{got[0].Message, got[1].Message, got[2].Message})

	marker := got[3]
	assert.True(t, marker.IsOverflowMarker())
	assert.Equal(t, 7, marker.Code)
	assert.Equal(t, domain.StateFaulted, marker.State)
	assert.Contains(t, marker.Message, "7 diagnostics dropped")

	c.Push(rec("next"))
	got = c.Capture(domain.StateIdle)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsOverflowMarker())
}

func TestChannel_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, DefaultCapacity, New(-3).Cap())
}

func TestChannel_ConcurrentPushIsBounded(t *testing.T) {
	c := New(16)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				c.Push(rec(fmt.Sprintf("%d-%d", g, i)))
			}
		}()
	}
	wg.Wait()

	got := c.Capture(domain.StateIdle)
	require.Len(t, got, 17)
	assert.Equal(t, 800-16, got[16].Code)
}

func TestFromFrames(t *testing.T) {
	assert.Nil(t, FromFrames(nil))
	got := FromFrames([]native.Frame{{File: "util.um", Func: "sq", Line: 4}, {File: "main.um", Func: "main", Line: 9}})
	assert.Equal(t, []domain.Location{{File: "util.um", Func: "sq", Line: 4}, {File: "main.um", Func: "main", Line: 9}}, got)

	r := domain.ErrorRecord{Stack: got}
	assert.Equal(t, "\tat util.um:4 (in sq)\n\tat main.um:9 (in main)\n", r.Trace())
}

func TestWarnings(t *testing.T) {
	c := New(8)
	warn := c.Warnings()
	warn(native.RawError{File: "main.um", Func: "f", Line: 3, Pos: 4, Msg: "unused variable"})

	got := c.Capture(domain.StateLoaded)
	require.Len(t, got, 1)
	r := got[0]
	assert.Equal(t, domain.CodeWarning, r.Kind)
	assert.Equal(t, domain.SeverityWarning, r.Severity)
	assert.Equal(t, domain.Location{File: "main.um", Func: "f", Line: 3, Pos: 4}, r.Location)
	assert.Equal(t, "main.um:3:4 (in f): warning: unused variable", r.String())
}
