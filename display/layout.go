package display

import (
	"github.com/NeowayLabs/kmsdisplay/conf"
	"github.com/NeowayLabs/kmsdisplay/cursor"
	"github.com/NeowayLabs/kmsdisplay/kms"
)

// layout shows the probed outputs to the cursor.
type layout struct {
	conf *kms.Configuration
}

func (l layout) ForEachOutput(fn func(co conf.Output, o cursor.Output)) {
	l.conf.ForEachOutput(func(co conf.Output, o *kms.Output) {
		fn(co, o)
	})
}
