package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBar_Line(t *testing.T) {
	b := New(&bytes.Buffer{}, "upload", 4, 4096, false)
	b.Advance(true, 1024, "ks/t/a")
	b.Advance(false, 0, "ks/t/b")

	line := b.Line()
	assert.Contains(t, line, "upload [===============               ] 2/4")
	assert.Contains(t, line, "1.0 KiB/4.0 KiB")
	assert.Contains(t, line, "(1 failed)")
}

func TestBar_DisabledWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf, "upload", 1, 10, false)
	b.Advance(true, 10, "x")
	b.Done()
	assert.Empty(t, buf.String())
}

func TestBar_RendersAndEndsLine(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf, "upload", 2, 0, true)
	b.Advance(true, 0, "first")
	b.Advance(true, 0, "second")
	b.Done()

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\r"))
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Contains(t, out, "2/2")
}

func TestBar_Concurrent(t *testing.T) {
	b := New(&bytes.Buffer{}, "upload", 100, 100, true)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Advance(true, 1, "")
		}()
	}
	wg.Wait()
	assert.Contains(t, b.Line(), "100/100")
}

func TestBar_NilSafe(t *testing.T) {
	var b *Bar
	b.Advance(true, 1, "")
	b.Done()
}
