package inventory

import "testing"

func TestEventBusDispatch(t *testing.T) {
	bus := NewEventBus(testLogger())
	var alarms, all int
	bus.On(EventAlarm, func(Event) { alarms++ })
	bus.OnAll(func(Event) { all++ })

	bus.Emit(Event{Type: EventAlarm, Station: "ST1"})
	bus.Emit(Event{Type: EventStationUpdate, Station: "ST1"})

	if alarms != 1 || all != 2 {
		t.Errorf("alarms = %d, all = %d", alarms, all)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(testLogger())
	var n int
	off := bus.OnAll(func(Event) { n++ })
	bus.Emit(Event{Type: EventSyncCompleted})
	off()
	bus.Emit(Event{Type: EventSyncCompleted})
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
}

func TestEventBusRecoversPanic(t *testing.T) {
	bus := NewEventBus(testLogger())
	var got Event
	bus.OnAll(func(Event) { panic("bad handler") })
	bus.OnAll(func(ev Event) { got = ev })

	bus.Emit(Event{Type: EventDeviceUpdate, Device: "D1"})
	if got.Device != "D1" {
		t.Error("handler after panicking one not called")
	}
	if got.Time.IsZero() {
		t.Error("emit did not stamp time")
	}
}
