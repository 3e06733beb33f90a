package devices

import "time"

func noSleep(time.Duration) {}

func (d *LeakDetector) DisableSleep() { d.sleep = noSleep }
func (m *MassFlow) DisableSleep() { m.sleep = noSleep }
func (r *RelaySwitch) DisableSleep() { r.sleep = noSleep }
func (s *RelaySequencer) DisableSleep() { s.sleep = noSleep }
