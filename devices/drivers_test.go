package devices_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leakbench/devices"
	"leakbench/devices/serialtest"
	"leakbench/logging"
	"leakbench/types"
)

var errSimulated = errors.New("simulated")

func openLink(t *testing.T, role types.Role, name string) (*devices.Link, *serialtest.Port) {
	t.Helper()
	opener := serialtest.NewOpener()
	m := devices.NewManager(opener, logging.Discard())
	link, err := m.Open(role, name, settings)
	require.NoError(t, err)
	t.Cleanup(func() { link.Close() })
	return link, opener.Port(name)
}

func TestLeakDetectorReadLeakRate(t *testing.T) {
	require := require.New(t)

	link, port := openLink(t, types.LeakDetector, "COM11")
	ld := devices.NewLeakDetector(link, 0, 50*time.Millisecond)
	ld.DisableSleep()

	port.Reply("*read?\r", "1.2E-09\r", "0.0E+00\r", "-OVER-\r")

	v, err := ld.ReadLeakRate()
	require.NoError(err)
	require.Equal(1.2e-9, v)

	_, err = ld.ReadLeakRate()
	require.ErrorIs(err, types.ErrMalformedResponse)

	_, err = ld.ReadLeakRate()
	require.ErrorIs(err, types.ErrMalformedResponse)

	var de *types.DeviceError
	require.ErrorAs(err, &de)
	require.Equal(types.LeakDetector, de.Device)
}

func TestLeakDetectorReadTimeout(t *testing.T) {
	link, _ := openLink(t, types.LeakDetector, "COM11")
	ld := devices.NewLeakDetector(link, 0, 20*time.Millisecond)
	ld.DisableSleep()

	_, err := ld.ReadLeakRate()
	require.ErrorIs(t, err, types.ErrTimeout)
}

func TestLeakDetectorStartStop(t *testing.T) {
	require := require.New(t)

	link, port := openLink(t, types.LeakDetector, "COM11")
	ld := devices.NewLeakDetector(link, 0, 50*time.Millisecond)
	ld.DisableSleep()

	require.NoError(ld.Start())
	require.NoError(ld.StopAndVent())
	require.Equal([]string{"*start\r", "*stop\r", "*vent\r", "*vent\r"}, port.Commands())
}

func TestLeakDetectorCalibrationQueries(t *testing.T) {
	require := require.New(t)

	link, port := openLink(t, types.LeakDetector, "COM11")
	ld := devices.NewLeakDetector(link, 0, 50*time.Millisecond)
	ld.DisableSleep()

	port.Reply("*hour:pow?\r", "25\r")
	port.Reply("*stat:calh 1?\r", "1 2024-05-06 0.982\r")

	minutes, err := ld.PowerOnMinutes()
	require.NoError(err)
	require.Equal(25, minutes)

	require.NoError(ld.Calibrate())

	factor, err := ld.CalibrationFactor()
	require.NoError(err)
	require.Equal(0.982, factor)
	require.Contains(port.Commands(), "*cal\r")
}

func TestMassFlowReadStatusUsesSecondAnswer(t *testing.T) {
	require := require.New(t)

	link, port := openLink(t, types.MassFlowController, "COM8")
	mfc := devices.NewMassFlow(link, 50*time.Millisecond)
	mfc.DisableSleep()

	port.Reply("*@=A\r",
		"A +014.70 +030.10 +000.00 +070.00 071.50 He\r",
		"A +014.70 +046.20 +000.00 +071.50 071.50 He\r",
	)

	st, err := mfc.ReadStatus()
	require.NoError(err)
	require.Equal(46.2, st.Temperature)
	require.Equal(71.5, st.MassFlow)
	require.Equal(14.7, st.Pressure)
	require.Equal([]string{"*@=A\r", "*@=A\r"}, port.Commands())
}

func TestMassFlowSetpointAndIdentify(t *testing.T) {
	require := require.New(t)

	link, port := openLink(t, types.MassFlowController, "COM8")
	mfc := devices.NewMassFlow(link, 50*time.Millisecond)
	mfc.DisableSleep()

	require.NoError(mfc.SetSetpoint(72.5))
	require.Equal([]string{"*@=A\r", "*9280\r"}, port.Commands())
	require.Error(mfc.SetSetpoint(600))

	port.Reply("*@=B\r", "OK\r")
	ok, err := mfc.Identify()
	require.NoError(err)
	require.True(ok)
}

func TestParseMassFlowStatus(t *testing.T) {
	_, err := devices.ParseMassFlowStatus("A +014.70 +030.10")
	require.ErrorIs(t, err, types.ErrMalformedResponse)

	_, err = devices.ParseMassFlowStatus("A +014.70 hot +000.00 +070.00")
	require.ErrorIs(t, err, types.ErrMalformedResponse)

	require.Equal(t, 9152, devices.SetpointCounts(71.5))
}

func TestParseAnalyzerLine(t *testing.T) {
	require := require.New(t)

	r, err := devices.ParseAnalyzerLine("He  96.52 % O2  0.41 % Ti 23.10 ~C 1013.20 hPa 2024/05/06 10:11:12")
	require.NoError(err)
	require.Equal(96.52, r.Helium)
	require.Equal(0.41, r.Oxygen)
	require.Equal(23.10, r.Temperature)
	require.Equal(1013.20, r.Pressure)
	require.Equal(2024, r.Time.Year())
	require.Equal(12, r.Time.Second())

	_, err = devices.ParseAnalyzerLine("He 96 % O2")
	require.ErrorIs(err, types.ErrMalformedResponse)
}

func TestAnalyzerReadLatest(t *testing.T) {
	require := require.New(t)

	link, port := openLink(t, types.HeliumAnalyzer, "COM6")
	an := devices.NewAnalyzer(link, 20*time.Millisecond)

	port.Feed("He 96.00 % O2 0.40 % Ti 23.00 ~C 1013.00 hPa 2024/05/06 10:11:11\r\n" +
		"He 94.10 % O2 0.50 % Ti 23.10 ~C 1013.10 hPa 2024/05/06 10:11:12\r\n" +
		"He 9")

	r, err := an.ReadLatest()
	require.NoError(err)
	require.Equal(94.10, r.Helium)

	_, err = an.ReadLatest()
	require.ErrorIs(err, types.ErrTimeout)
}

func TestRelaySetFrameAndAck(t *testing.T) {
	require := require.New(t)

	require.Equal([]byte{0x5B, 0x11, '0', '4', '0', 0x5D}, devices.SetFrame(devices.LoadMassFlow, false))
	require.Equal([]byte{0x5B, 0x11, '0', '1', '1', 0x5D}, devices.SetFrame(devices.LoadInficon, true))

	link, port := openLink(t, types.RelaySwitch, "COM12")
	relay := devices.NewRelaySwitch(link, 30*time.Millisecond)
	relay.DisableSleep()

	port.Reply(string(devices.SetFrame(devices.LoadSolenoidValve, true)), "\x5B\x11\x02\x01\x5D")
	require.NoError(relay.Set(devices.LoadSolenoidValve, true))

	port.Reply(string(devices.SetFrame(devices.LoadSolenoidValve, false)), "\x00\x11\x02\x00\x5D")
	err := relay.Set(devices.LoadSolenoidValve, false)
	require.ErrorIs(err, types.ErrHardwareAckMismatch)

	// no answer at all
	err = relay.Set(devices.LoadMassFlow, false)
	require.ErrorIs(err, types.ErrHardwareAckMismatch)
}

func TestRelayStatus(t *testing.T) {
	require := require.New(t)

	link, port := openLink(t, types.RelaySwitch, "COM12")
	relay := devices.NewRelaySwitch(link, 30*time.Millisecond)
	relay.DisableSleep()

	port.Reply("\x5B\x01\x5D", "\x5B\x01\x00\x01\x01")
	states, err := relay.Status()
	require.NoError(err)
	require.Equal(map[devices.RelayLoad]bool{
		devices.LoadInficon:        true,
		devices.LoadSolenoidValve:  false,
		devices.LoadHeliumAnalyzer: true,
		devices.LoadMassFlow:       true,
	}, states)
}

type recordingRelay struct {
	calls []string
	fail  map[devices.RelayLoad]bool
}

func (r *recordingRelay) Set(l devices.RelayLoad, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	r.calls = append(r.calls, l.String()+" "+state)
	if r.fail[l] {
		return types.WrapDevice(types.RelaySwitch, "set", types.ErrHardwareAckMismatch)
	}
	return nil
}

func TestRelaySequencerOrder(t *testing.T) {
	require := require.New(t)

	rec := &recordingRelay{}
	seq := devices.NewRelaySequencer(rec, time.Second, logging.Discard())
	seq.DisableSleep()

	require.NoError(seq.PowerOn())
	require.NoError(seq.PowerOff())
	require.Equal([]string{
		"Inficon on", "Helium Solenoid Valve on", "Helium Analyzer on", "Mass Flow Controller on",
		"Mass Flow Controller off", "Helium Analyzer off", "Helium Solenoid Valve off", "Inficon off",
	}, rec.calls)

	rec.calls = nil
	require.NoError(seq.PowerOff(devices.LoadSolenoidValve, devices.LoadMassFlow))
	require.Equal([]string{"Mass Flow Controller off", "Helium Solenoid Valve off"}, rec.calls)
}

func TestRelaySequencerFailures(t *testing.T) {
	require := require.New(t)

	rec := &recordingRelay{fail: map[devices.RelayLoad]bool{devices.LoadSolenoidValve: true}}
	seq := devices.NewRelaySequencer(rec, 0, logging.Discard())

	err := seq.PowerOn()
	require.ErrorIs(err, types.ErrHardwareAckMismatch)
	require.Equal([]string{"Inficon on", "Helium Solenoid Valve on"}, rec.calls)

	rec.calls = nil
	err = seq.PowerOff()
	require.ErrorIs(err, types.ErrHardwareAckMismatch)
	require.Len(rec.calls, 4)
}
