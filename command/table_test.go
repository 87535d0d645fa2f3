package command

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTableAlignsByDisplayWidth(t *testing.T) {
	out := renderTable(
		[]string{"ID", "NAME"},
		[][]string{
			{"1", "短い"},
			{"22", "x"},
		})
	lines := strings.Split(out, "\n")
	assert.Equal(t, "ID  NAME", lines[0])
	assert.Equal(t, "1   短い", lines[1])
	assert.Equal(t, "22  x", lines[2])
}
