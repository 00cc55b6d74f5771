package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bottleline/config"
	"bottleline/driver"
	"bottleline/logging"
	"bottleline/plcman"
)

// TagSnapshot is the latest value of a watched tag.
type TagSnapshot struct {
	Name     string      `json:"name"`
	Address  string      `json:"address"`
	Type     string      `json:"type,omitempty"`
	Mode     string      `json:"mode"`
	Writable bool        `json:"writable"`
	Value    interface{} `json:"value"`
	Valid    bool        `json:"valid"`
	Updated  time.Time   `json:"updated,omitempty"`
}

func newSnapshot(t config.TagConfig) *TagSnapshot {
	mode := t.Mode
	if mode == "" {
		mode = config.ModeChange
	}
	return &TagSnapshot{
		Name:     t.Name,
		Address:  t.Address,
		Type:     t.Type,
		Mode:     mode,
		Writable: t.Writable,
	}
}

func (s *TagSnapshot) driverMode() driver.Mode {
	if s.Mode == config.ModePeriodic {
		return driver.Periodic
	}
	return driver.OnChange
}

// reconnectPolicy returns the backoff factory for the configured policy,
// or nil to keep the supervisor's step policy.
func reconnectPolicy(rc config.ReconnectConfig) func() backoff.BackOff {
	if rc.Policy != config.PolicyExponential {
		return nil
	}
	initial, max := rc.InitialDelay, rc.MaxInterval
	if initial <= 0 {
		initial = plcman.DefaultInitialDelay
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return func() backoff.BackOff { return plcman.ExponentialBackOff(initial, max) }
}

// watchStatus forwards every status transition to the publishers and the
// event bus.
func (e *Engine) watchStatus() {
	sub := e.sup.Status().Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-e.ctx.Done():
				return
			case st, ok := <-sub.C():
				if !ok {
					return
				}
				e.onStatus(st)
			}
		}
	}()
}

func (e *Engine) onStatus(st plcman.Status) {
	address := e.plcAddress()
	ev := e.log.Info()
	if st.Err != nil {
		ev = e.log.Warn().Err(st.Err)
	}
	ev.Str("state", st.State.String()).Str("session", st.SessionID).Msg("plc status")

	e.mqttMgr.PublishStatus(st, address)
	e.valkeyMgr.PublishStatus(st, address)
	e.kafkaMgr.PublishStatus(st, address)

	e.emit(EventStatusChanged, statusEvent(st, address))
}

func statusEvent(st plcman.Status, address string) StatusEvent {
	return StatusEvent{
		State:     st.State.String(),
		Error:     st.ErrString(),
		SessionID: st.SessionID,
		Since:     st.Since,
		Address:   address,
	}
}

// watchTags observes every configured tag through the multiplexer.
func (e *Engine) watchTags() {
	e.tagsMu.RLock()
	snaps := make([]TagSnapshot, 0, len(e.tags))
	for _, s := range e.tags {
		snaps = append(snaps, *s)
	}
	e.tagsMu.RUnlock()

	for _, s := range snaps {
		ch, _ := plcman.ObserveTag(e.ctx, e.sup, s.Address, s.Type, s.driverMode())
		e.wg.Add(1)
		go func(name string) {
			defer e.wg.Done()
			for v := range ch {
				e.onTagValue(name, v)
			}
		}(s.Name)
		logging.DebugLog("engine", "watching %s at %s (%s)", s.Name, s.Address, s.Mode)
	}
}

// onTagValue records v and forwards it. A nil value means the read failed
// or the PLC is not connected.
func (e *Engine) onTagValue(name string, v interface{}) {
	e.tagsMu.Lock()
	s, ok := e.tags[name]
	if !ok {
		e.tagsMu.Unlock()
		return
	}
	s.Value = v
	s.Valid = v != nil
	s.Updated = time.Now()
	snap := *s
	e.tagsMu.Unlock()

	force := snap.Mode == config.ModePeriodic
	e.mqttMgr.Publish(snap.Name, snap.Address, snap.Type, v, force)
	e.valkeyMgr.Publish(snap.Name, snap.Address, snap.Type, v, snap.Writable)
	e.kafkaMgr.Publish(snap.Name, snap.Address, snap.Type, v, snap.Writable, force)

	e.emit(EventTagUpdated, TagEvent{Name: snap.Name, Address: snap.Address, Type: snap.Type, Value: v})
}

// setupWriteHandlers lets MQTT and Valkey clients write watched tags that
// are marked writable.
func setupWriteHandlers(e *Engine) {
	writeHandler := func(ctx context.Context, tagName string, value interface{}) error {
		return e.WriteTagByName(ctx, tagName, value)
	}
	writeValidator := func(tagName string) bool {
		e.tagsMu.RLock()
		defer e.tagsMu.RUnlock()
		s, ok := e.tags[tagName]
		return ok && s.Writable
	}

	e.mqttMgr.SetWriteHandler(writeHandler)
	e.mqttMgr.SetWriteValidator(writeValidator)

	e.valkeyMgr.SetWriteHandler(writeHandler)
	e.valkeyMgr.SetWriteValidator(writeValidator)
}

// forcePublishAllValuesToMQTT republishes every known tag value to MQTT.
func (e *Engine) forcePublishAllValuesToMQTT() {
	snaps := e.Tags()
	e.log.Debug().Int("tags", len(snaps)).Msg("republishing tag values to mqtt")
	e.mqttMgr.PublishStatus(e.sup.CurrentStatus(), e.plcAddress())
	for _, s := range snaps {
		if s.Valid {
			e.mqttMgr.Publish(s.Name, s.Address, s.Type, s.Value, true)
		}
	}
}

// forcePublishAllValuesToValkey refreshes every key after a Valkey
// server (re)connects.
func (e *Engine) forcePublishAllValuesToValkey() {
	snaps := e.Tags()
	e.log.Debug().Int("tags", len(snaps)).Msg("republishing tag values to valkey")
	e.valkeyMgr.PublishStatus(e.sup.CurrentStatus(), e.plcAddress())
	for _, s := range snaps {
		if s.Valid {
			e.valkeyMgr.Publish(s.Name, s.Address, s.Type, s.Value, s.Writable)
		}
	}
}

// plcAddress is the address of the current or last attempt, or the
// configured one before the first attempt.
func (e *Engine) plcAddress() string {
	if a := e.sup.Address(); a != "" {
		return a
	}
	e.cfg.Lock()
	defer e.cfg.Unlock()
	return e.cfg.PLC.Address
}
