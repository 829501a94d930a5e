package statuslog

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_NewestFirstAndBounded(t *testing.T) {
	l := New(3)
	for i := 1; i <= 5; i++ {
		l.Addf("msg %d", i)
	}
	es := l.Entries()
	require.Len(t, es, 3)
	assert.Equal(t, "msg 5", es[0].Message)
	assert.Equal(t, "msg 4", es[1].Message)
	assert.Equal(t, "msg 3", es[2].Message)
	assert.Equal(t, int64(5), l.LastID())
	assert.Equal(t, 3, l.Len())
}

func TestLog_DefaultCapacity(t *testing.T) {
	l := New(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		l.Add("x")
	}
	assert.Equal(t, DefaultCapacity, l.Len())
}

func TestLog_LinesCarryTimestamp(t *testing.T) {
	l := New(5)
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	l.Add("node started")
	lines := l.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "2024-03-01 10:00:00 UTC: node started", lines[0])
}

func TestLog_WriteSplitsLines(t *testing.T) {
	l := New(10)
	_, err := fmt.Fprint(l, "openjdk version \"17\"\r\n\nOpenJDK Runtime\n")
	require.NoError(t, err)
	es := l.Entries()
	require.Len(t, es, 2)
	assert.Equal(t, "OpenJDK Runtime", es[0].Message)
	assert.Equal(t, `openjdk version "17"`, es[1].Message)
}

func TestLog_EmptyEntries(t *testing.T) {
	assert.Empty(t, New(4).Entries())
}

func TestLog_ConcurrentAdd(t *testing.T) {
	l := New(50)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Add(strings.Repeat("x", i+1))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, l.Len())
	assert.Equal(t, int64(800), l.LastID())
}
