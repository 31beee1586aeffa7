package session

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/C-Metcalf/PIDTester/internal/channel"
	"github.com/C-Metcalf/PIDTester/internal/channel/channeltest"
	"github.com/C-Metcalf/PIDTester/internal/logger"
	"github.com/C-Metcalf/PIDTester/internal/params"
	"github.com/C-Metcalf/PIDTester/internal/servo"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("не дождались: %s", what)
}

func openSim(t *testing.T) (*Session, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s, err := Open(Options{Mode: ModeSim, Clock: mock, Interval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mock
}

// tick двигает часы на один период и ждёт, пока worker запишет n-й сэмпл
func tick(t *testing.T, s *Session, mock *clock.Mock, n int) {
	t.Helper()
	mock.Add(100 * time.Millisecond)
	waitFor(t, "сэмпл", func() bool { return s.PV().LastSeq() >= uint64(n) })
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(Options{Mode: ModeDevice}); err == nil {
		t.Error("device без link: ожидали ошибку")
	}
	if _, err := Open(Options{Mode: "usb"}); err == nil {
		t.Error("неизвестный режим: ожидали ошибку")
	}
}

func TestSim_ReferenceScenario(t *testing.T) {
	s, mock := openSim(t)
	if s.State() != StateIdle {
		t.Fatalf("начальное состояние %v, ожидали idle", s.State())
	}
	if err := s.Apply("0.1", "0", "0.0001", "10.0"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("после Start состояние %v", s.State())
	}
	for i := 1; i <= 100; i++ {
		tick(t, s, mock, i)
	}

	if s.PV().Len() != 100 || s.SP().Len() != 100 {
		t.Fatalf("сэмплов pv=%d sp=%d, ожидали по 100", s.PV().Len(), s.SP().Len())
	}
	pv := s.PV().Values()
	if last := pv[len(pv)-1]; math.Abs(last-10) > 0.5 {
		t.Errorf("последний pv=%v, ожидали 10±0.5", last)
	}
	for i, v := range s.SP().Values() {
		if v != 10 {
			t.Fatalf("sp[%d]=%v, ожидали 10", i, v)
		}
	}
	// трасса совпадает с прямым прогоном регулятора
	e := servo.NewEngine(0.1, 0, 0.0001)
	for i, v := range pv {
		if want := e.Step(10); v != want {
			t.Fatalf("шаг %d: pv=%v, регулятор даёт %v", i, v, want)
		}
	}
	if st := s.Status(); st.Steps != 100 || st.State != "running" {
		t.Errorf("Status: %+v", st)
	}
}

func TestSim_RetentionCaps(t *testing.T) {
	mock := clock.NewMock()
	s, err := Open(Options{Mode: ModeSim, Clock: mock, PVCapacity: 20, SPCapacity: 5})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Apply("0.1", "0", "0", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 30; i++ {
		tick(t, s, mock, i)
	}
	if s.PV().Len() != 20 || s.SP().Len() != 5 {
		t.Errorf("pv=%d sp=%d, ожидали 20 и 5", s.PV().Len(), s.SP().Len())
	}
}

func TestSim_IdleDoesNotStep(t *testing.T) {
	s, mock := openSim(t)
	for i := 0; i < 5; i++ {
		mock.Add(100 * time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	if s.PV().Len() != 0 {
		t.Errorf("в Idle появились сэмплы: %d", s.PV().Len())
	}
}

func TestSim_PauseResume(t *testing.T) {
	s, mock := openSim(t)
	if err := s.Apply("0.1", "0", "0", "10"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	tick(t, s, mock, 1)
	tick(t, s, mock, 2)

	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StatePaused {
		t.Fatalf("после Pause состояние %v", s.State())
	}
	for i := 0; i < 5; i++ {
		mock.Add(100 * time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	if s.PV().Len() != 2 {
		t.Fatalf("на паузе добавились сэмплы: %d", s.PV().Len())
	}

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	tick(t, s, mock, 3)
	// после паузы регулятор продолжает с того же состояния
	e := servo.NewEngine(0.1, 0, 0)
	var want float64
	for i := 0; i < 3; i++ {
		want = e.Step(10)
	}
	if got := s.PV().Values()[2]; got != want {
		t.Errorf("третий шаг после паузы: %v, ожидали %v", got, want)
	}
}

func TestSim_StopResets(t *testing.T) {
	s, mock := openSim(t)
	if err := s.Apply("0.1", "0.01", "0.0001", "10"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 10; i++ {
		tick(t, s, mock, i)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateIdle {
		t.Fatalf("после Stop состояние %v, ожидали idle", s.State())
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	tick(t, s, mock, 11)
	first := servo.NewEngine(0.1, 0.01, 0.0001).Step(10)
	pv := s.PV().Values()
	if got := pv[len(pv)-1]; got != first {
		t.Errorf("первый шаг после Stop: %v, ожидали %v (интеграл не сброшен?)", got, first)
	}
}

func TestSim_GainsChangeBetweenSteps(t *testing.T) {
	s, mock := openSim(t)
	if err := s.Apply("0.1", "0", "0", "10"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	tick(t, s, mock, 1)
	if err := s.Apply("0.5", "0", "0", "20"); err != nil {
		t.Fatal(err)
	}
	tick(t, s, mock, 2)

	e := servo.NewEngine(0.1, 0, 0)
	e.Step(10)
	e.SetGains(0.5, 0, 0)
	want := e.Step(20)
	if got := s.PV().Values()[1]; got != want {
		t.Errorf("шаг после смены параметров: %v, ожидали %v", got, want)
	}
	if got := s.SP().Values(); got[0] != 10 || got[1] != 20 {
		t.Errorf("трасса уставки: %v", got)
	}
}

func TestApply_Validation(t *testing.T) {
	s, _ := openSim(t)
	before := s.Params().Version()
	g0, sp0 := s.Params().Get()

	cases := [][4]string{
		{"abc", "0", "0", "0"},
		{"0", "", "0", "0"},
		{"0", "0", "NaN", "0"},
		{"0", "0", "0", "+Inf"},
		{"1e400", "0", "0", "0"},
		{"0.1", "0.2", "0.3", "1,5"},
	}
	for _, c := range cases {
		err := s.Apply(c[0], c[1], c[2], c[3])
		if !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("Apply%v: ожидали ErrInvalidParameter, получили %v", c, err)
		}
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field == "" {
			t.Errorf("Apply%v: ожидали ValidationError с полем, получили %v", c, err)
		}
	}
	if s.Params().Version() != before {
		t.Error("отклонённые параметры изменили хранилище")
	}
	if g, sp := s.Params().Get(); g != g0 || sp != sp0 {
		t.Errorf("хранилище изменилось: %+v %v", g, sp)
	}

	// после отказа повторная попытка проходит
	if err := s.Apply(" 0.1 ", "0", "0", "-3"); err != nil {
		t.Fatalf("корректные поля: %v", err)
	}
	if g, sp := s.Params().Get(); g != (params.Gains{Kp: 0.1}) || sp != -3 {
		t.Errorf("после Apply: %+v %v", g, sp)
	}
}

func TestParseParameters_FieldName(t *testing.T) {
	_, err := ParseParameters("1", "2", "x", "4")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "Kd" {
		t.Fatalf("ожидали ошибку поля Kd, получили %v", err)
	}
	if !strings.Contains(err.Error(), "Kd") {
		t.Errorf("текст ошибки без имени поля: %v", err)
	}
}

func TestSim_ClosedRejectsCommands(t *testing.T) {
	s, _ := openSim(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateStopped {
		t.Errorf("после Close состояние %v", s.State())
	}
	for name, fn := range map[string]func() error{
		"start": s.Start,
		"pause": s.Pause,
		"stop":  s.Stop,
		"apply": func() error { return s.Apply("1", "0", "0", "0") },
	} {
		if err := fn(); !errors.Is(err, ErrClosed) {
			t.Errorf("%s после Close: ожидали ErrClosed, получили %v", name, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Errorf("повторный Close: %v", err)
	}
}

func TestSim_IndependentSessions(t *testing.T) {
	a, clkA := openSim(t)
	b, clkB := openSim(t)
	for _, s := range []*Session{a, b} {
		if err := s.Apply("0.1", "0", "0", "1"); err != nil {
			t.Fatal(err)
		}
		if err := s.Start(); err != nil {
			t.Fatal(err)
		}
	}
	tick(t, a, clkA, 1)
	tick(t, b, clkB, 1)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	tick(t, b, clkB, 2)
	if b.State() != StateRunning || b.PV().Len() != 2 {
		t.Errorf("закрытие одной сессии повлияло на другую: %v, %d", b.State(), b.PV().Len())
	}
}

func openDevice(t *testing.T, timeout time.Duration) (*Session, *channeltest.Port) {
	t.Helper()
	port := channeltest.New(timeout)
	s, err := Open(Options{Mode: ModeDevice, Link: channel.NewLink(port, "")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, port
}

func TestDevice_Telemetry(t *testing.T) {
	s, port := openDevice(t, 20*time.Millisecond)
	if s.State() != StateRunning {
		t.Fatalf("device: состояние %v, ожидали running", s.State())
	}
	port.Feed(`{"pos_cnt": 1}` + "\n")
	port.Feed("not json\n")
	port.Feed(`{"pos_cnt": 2}` + "\n")
	port.Feed(`{"other": 9}` + "\n")
	port.Feed(`{"pos_cnt": 3}` + "\n")

	waitFor(t, "3 сэмпла", func() bool { return s.PV().Len() == 3 })
	if got := s.PV().Values(); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("трасса %v", got)
	}
	waitFor(t, "счётчик отброшенных", func() bool { return s.Status().Dropped == 2 })
	if s.SP().Len() != 0 {
		t.Errorf("в режиме device трасса уставки пуста, получили %d", s.SP().Len())
	}
}

func TestDevice_Commands(t *testing.T) {
	s, port := openDevice(t, 20*time.Millisecond)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply("0.1", "0", "0.0001", "10"); err != nil {
		t.Fatal(err)
	}
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	want := "start\n" + `{"Kp":0.1,"Ki":0,"Kd":0.0001,"setpoint":10}` + "\npause\nstop\n"
	if got := port.Written(); got != want {
		t.Errorf("в порт ушло %q, want %q", got, want)
	}
	if g, sp := s.Params().Get(); g.Kp != 0.1 || g.Kd != 0.0001 || sp != 10 {
		t.Errorf("хранилище после Apply: %+v %v", g, sp)
	}

	// отклонённые поля не уходят в порт
	if err := s.Apply("abc", "0", "0", "0"); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("ожидали ErrInvalidParameter, получили %v", err)
	}
	if got := port.Written(); got != want {
		t.Errorf("после отказа в порт что-то ушло: %q", got)
	}
}

func TestDevice_ShutdownDuringRead(t *testing.T) {
	const timeout = 200 * time.Millisecond
	s, port := openDevice(t, timeout)
	time.Sleep(20 * time.Millisecond) // worker висит в чтении

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if el := time.Since(start); el > timeout+150*time.Millisecond {
		t.Errorf("Close занял %v, больше одного таймаута чтения", el)
	}
	if !port.Closed() {
		t.Error("порт не закрыт")
	}
	if n := port.ReadsAfterClose(); n != 0 {
		t.Errorf("чтений после закрытия порта: %d", n)
	}
	select {
	case err := <-s.Fatal():
		t.Errorf("штатное закрытие не должно давать фатальную ошибку: %v", err)
	default:
	}
}

func TestDevice_FatalOnce(t *testing.T) {
	s, port := openDevice(t, 20*time.Millisecond)
	boom := errors.New("device unplugged")
	port.Fail(boom)

	select {
	case err := <-s.Fatal():
		if !errors.Is(err, boom) {
			t.Errorf("Fatal: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("фатальная ошибка не пришла")
	}
	<-s.Done()
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err: %v", s.Err())
	}
	if s.State() != StateStopped {
		t.Errorf("после фатальной ошибки состояние %v", s.State())
	}
	select {
	case err := <-s.Fatal():
		t.Errorf("повторное уведомление: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := s.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start после фатальной ошибки: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close после фатальной ошибки: %v", err)
	}
}

func TestDevice_ClearGraph(t *testing.T) {
	s, port := openDevice(t, 20*time.Millisecond)
	port.Feed(`{"pos_cnt": 1}` + "\n" + `{"pos_cnt": 2}` + "\n")
	waitFor(t, "2 сэмпла", func() bool { return s.PV().Len() == 2 })
	s.ClearGraph()
	if s.PV().Len() != 0 {
		t.Fatalf("после ClearGraph: %d", s.PV().Len())
	}
	port.Feed(`{"pos_cnt": 5}` + "\n")
	waitFor(t, "сэмпл после очистки", func() bool { return s.PV().Len() == 1 })
	if smp := s.PV().Snapshot()[0]; smp.Value != 5 || smp.Seq != 3 {
		t.Errorf("сэмпл после очистки: %+v", smp)
	}
}

func TestDevice_HangupIsFatal(t *testing.T) {
	s, err := Open(Options{Mode: ModeDevice, Link: channel.NewLink(channeltest.HungUp(), "")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	select {
	case err := <-s.Fatal():
		if !errors.Is(err, channel.ErrHangup) {
			t.Errorf("Fatal: %v, ожидали ErrHangup", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("обрыв не стал фатальной ошибкой за 1 с; состояние %v", s.State())
	}
	<-s.Done()
	if s.State() != StateStopped {
		t.Errorf("после обрыва состояние %v", s.State())
	}
	select {
	case err := <-s.Fatal():
		t.Errorf("повторное уведомление: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDevice_CommandsRacingClose(t *testing.T) {
	logger.Quiet = true
	defer func() { logger.Quiet = false }()
	for round := 0; round < 20; round++ {
		port := channeltest.New(20 * time.Millisecond)
		s, err := Open(Options{Mode: ModeDevice, Link: channel.NewLink(port, "")})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 64)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for {
					var err error
					if w%2 == 0 {
						err = s.Start()
					} else {
						err = s.Apply("0.1", "0", "0", "1")
					}
					if errors.Is(err, ErrClosed) {
						return
					}
					if err != nil {
						errs <- err
						return
					}
				}
			}(w)
		}
		time.Sleep(time.Millisecond)
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("команда во время Close: %v, ожидали ErrClosed", err)
		}
	}
}
