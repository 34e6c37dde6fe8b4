package sigchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChan_Merges(t *testing.T) {
	c := New()
	assert.True(t, c.Emit())
	assert.False(t, c.Emit())
	assert.False(t, c.Emit())
	assert.Equal(t, int64(2), c.Merged())

	<-c.C()
	select {
	case <-c.C():
		t.Fatal("合并后只应有一个信号")
	default:
	}
	assert.True(t, c.Emit())
}
