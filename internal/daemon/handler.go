package daemon

import (
	"fmt"
	"time"

	"keynormd/internal/calibration"
	"keynormd/internal/ipc"
	"keynormd/internal/journal"
	"keynormd/internal/normalizer"
)

const (
	handlerTimeout      = 5 * time.Second
	defaultSessionLimit = 10
	maxSessionLimit     = 100
)

// Handle implements ipc.Handler. It ferries the message onto the
// engine goroutine and waits for the reply, so request handling never
// races the normalizer.
func (d *Daemon) Handle(msg *ipc.Message) *ipc.Message {
	req := request{msg: msg, reply: make(chan *ipc.Message, 1)}

	select {
	case d.requests <- req:
	case <-d.ctx.Done():
		return ipc.NewErrorMessage(msg.Header.RequestID, ipc.ErrInternalError, "daemon is shutting down")
	}

	select {
	case resp := <-req.reply:
		return resp
	case <-d.ctx.Done():
		return ipc.NewErrorMessage(msg.Header.RequestID, ipc.ErrInternalError, "daemon is shutting down")
	case <-time.After(handlerTimeout):
		return ipc.NewErrorMessage(msg.Header.RequestID, ipc.ErrInternalError, "engine did not answer")
	}
}

// handleRequest runs on the engine goroutine.
func (d *Daemon) handleRequest(msg *ipc.Message) *ipc.Message {
	id := msg.Header.RequestID

	switch msg.Header.Type {
	case ipc.MsgStatusRequest:
		return d.respond(ipc.MsgStatusResponse, id, d.statusResponse())

	case ipc.MsgSuspend:
		resp := ipc.SuspendResponse{Success: true}
		if err := d.suspendCapture(); err != nil {
			resp = ipc.SuspendResponse{Error: err.Error()}
		}
		return d.respond(ipc.MsgSuspendResp, id, &resp)

	case ipc.MsgResume:
		resp := ipc.ResumeResponse{Success: true}
		drained, err := d.resumeCapture()
		resp.Drained = drained
		if err != nil {
			resp.Success = false
			resp.Error = err.Error()
		}
		return d.respond(ipc.MsgResumeResp, id, &resp)

	case ipc.MsgReloadCalibration:
		return d.respond(ipc.MsgReloadCalibrationResp, id, d.reloadCalibration())

	case ipc.MsgStatsRequest:
		return d.respond(ipc.MsgStatsResponse, id, d.statsResponse())

	case ipc.MsgSessionsRequest:
		return d.sessionsResponse(msg)

	case ipc.MsgShutdown:
		// Reply first; the cancel is delayed so the response can
		// leave the socket before teardown closes it.
		go func() {
			time.Sleep(100 * time.Millisecond)
			d.cancel()
		}()
		return d.respond(ipc.MsgShutdownResp, id, &ipc.ShutdownResponse{Success: true})

	default:
		return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest,
			fmt.Sprintf("unsupported message type %#04x", uint16(msg.Header.Type)))
	}
}

func (d *Daemon) respond(msgType ipc.MessageType, id uint32, payload any) *ipc.Message {
	msg, err := ipc.NewResponse(msgType, id, payload)
	if err != nil {
		return ipc.NewErrorMessage(id, ipc.ErrInternalError, err.Error())
	}
	return msg
}

func (d *Daemon) statusResponse() *ipc.StatusResponse {
	status := &ipc.StatusResponse{
		Version:            d.version,
		StartedAt:          d.startedAt,
		Uptime:             time.Since(d.startedAt),
		DevicePath:         d.device.Path,
		DeviceName:         d.device.Name,
		Grabbed:            d.src != nil && !d.suspended,
		Suspended:          d.suspended,
		EmitterName:        d.cfg.Emitter.DeviceName,
		CalibrationEntries: d.cal.Len(),
		CalibrationDevice:  d.cal.Device(),
		Stats:              statsPayload(d.norm.Stats()),
	}
	if d.journal != nil {
		status.SessionID = d.journal.CurrentSession()
	}
	return status
}

func (d *Daemon) statsResponse() *ipc.StatsResponse {
	resp := &ipc.StatsResponse{Stats: statsPayload(d.norm.Stats())}
	if d.journal != nil {
		if id := d.journal.CurrentSession(); id != 0 {
			resp.SessionID = id
			if counts, err := d.journal.FiringCounts(id); err == nil {
				resp.FiringCounts = counts
			}
		}
	}
	return resp
}

func (d *Daemon) sessionsResponse(msg *ipc.Message) *ipc.Message {
	id := msg.Header.RequestID
	if d.journal == nil {
		return ipc.NewErrorMessage(id, ipc.ErrNotFound, "journal is disabled")
	}

	var req ipc.SessionsRequest
	if len(msg.Payload) > 0 {
		if err := ipc.Decode(msg.Payload, &req); err != nil {
			return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "bad sessions request payload")
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}

	sessions, err := d.journal.Sessions(limit)
	if err != nil {
		return ipc.NewErrorMessage(id, ipc.ErrInternalError, err.Error())
	}

	resp := &ipc.SessionsResponse{Sessions: make([]ipc.SessionSummary, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, sessionSummary(s))
	}
	return d.respond(ipc.MsgSessionsResponse, id, resp)
}

// reloadCalibration re-reads the calibration file. A file that fails
// to load never clobbers the map in use.
func (d *Daemon) reloadCalibration() *ipc.ReloadCalibrationResponse {
	cal, err := calibration.Load(d.cfg.Calibration.Path)
	if err != nil {
		d.log.Warn("calibration reload rejected", "error", err)
		return &ipc.ReloadCalibrationResponse{Entries: d.cal.Len(), Error: err.Error()}
	}

	d.cal = cal
	d.norm.SetCalibration(cal)
	d.log.Info("calibration reloaded", "entries", cal.Len())
	return &ipc.ReloadCalibrationResponse{Success: true, Entries: cal.Len()}
}

func statsPayload(s normalizer.Stats) ipc.StatsPayload {
	return ipc.StatsPayload{
		Transitions:  s.Transitions,
		Actions:      s.Actions,
		StickyArms:   s.StickyArms,
		StickyShifts: s.StickyShifts,
		DoubleTaps:   s.DoubleTaps,
		Escalations:  s.Escalations,
		HoldReleases: s.HoldReleases,
		Resets:       s.Resets,
	}
}

func sessionSummary(s journal.Session) ipc.SessionSummary {
	return ipc.SessionSummary{
		ID:           s.ID,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		DevicePath:   s.DevicePath,
		DeviceName:   s.DeviceName,
		Transitions:  s.Transitions,
		Actions:      s.Actions,
		StickyShifts: s.StickyShifts,
		DoubleTaps:   s.DoubleTaps,
		Escalations:  s.Escalations,
		HoldReleases: s.HoldReleases,
	}
}
