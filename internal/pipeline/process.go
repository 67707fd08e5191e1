package pipeline

import (
	"github.com/ElysiumPtolemus/presentmon/internal/dispatch"
	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
	"github.com/ElysiumPtolemus/presentmon/internal/record"
	"github.com/ElysiumPtolemus/presentmon/internal/session"
)

// onProcessStart emits a ProcessEvent for a new process.
func (d *Deps) onProcessStart() dispatch.Handler {
	return d.processEventHandler(true)
}

// onProcessStop emits a ProcessEvent and forces loss of every in-flight
// record the process still owns, in start order, per spec.md section 4.4
// and the boundary behavior in section 8 ("every record for that process
// appears on the lost queue, in per-process order, before any subsequent
// event is processed").
func (d *Deps) onProcessStop() dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		d.processEventHandler(false)(sess, raw)

		for _, p := range d.Tables.AllForProcess(raw.ProcessID) {
			d.Engine.LoseImmediately(p, "process-exit")
		}
	}
}

func (d *Deps) processEventHandler(isStart bool) dispatch.Handler {
	return func(sess *session.Context, raw etwevent.RawEvent) {
		fields, err := d.Resolver.Decode(raw)
		imageName := ""
		if err == nil {
			if name, nerr := fields.String("ImageName"); nerr == nil {
				imageName = name
			}
		}
		d.Queues.ProcessEvents.Push(record.ProcessEvent{
			ImageName: imageName,
			Timestamp: raw.Timestamp,
			ProcessID: raw.ProcessID,
			IsStart:   isStart,
		})
	}
}
