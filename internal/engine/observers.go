package engine

import (
	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

// Observers fans notifications out to each observer in order.
type Observers []command.Observer

func (o Observers) OnStateChange(c command.Command, change schema.StateChange) {
	for _, obs := range o {
		obs.OnStateChange(c, change)
	}
}

func (o Observers) OnProgress(c command.Command, update schema.ProgressUpdate) {
	for _, obs := range o {
		obs.OnProgress(c, update)
	}
}
