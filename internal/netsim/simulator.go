package netsim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"loomboard/harness/internal/logging"
)

// Options configures a simulator at construction time.
type Options struct {
	Profile Profile
	Logger  *logging.Logger
	// Rand returns a sample in [0,1) for packet-loss decisions; overridable
	// so tests stay deterministic.
	Rand  func() float64
	Clock func() time.Time
}

// Simulator imposes one session's network condition profile on its channel.
// It implements the channel package's Conditioner contract.
type Simulator struct {
	mu sync.Mutex

	profile     Profile
	lastOnline  Profile
	offline     bool
	download    *throttle
	upload      *throttle
	rand        func() float64
	clock       func() time.Time
	logger      *logging.Logger
	transitions int64
}

// New constructs a simulator starting from the supplied profile; FastWiFi is
// assumed when none is provided.
func New(opts Options) *Simulator {
	profile := opts.Profile
	if profile.Name == "" {
		profile = FastWiFi
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	randFn := opts.Rand
	if randFn == nil {
		randFn = rand.Float64
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sim := &Simulator{
		rand:       randFn,
		clock:      clock,
		logger:     logger.With(logging.String("component", "netsim")),
		lastOnline: FastWiFi,
	}
	sim.SetNetworkCondition(profile)
	return sim
}

// SetNetworkCondition swaps the active profile. A zero-throughput profile is
// equivalent to GoOffline.
func (s *Simulator) SetNetworkCondition(profile Profile) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.profile = profile
	if !profile.IsOffline() {
		s.lastOnline = profile
	}
	//1.- Rebuild the per-direction budgets so the new rates apply immediately.
	s.download = newThrottle(profile.DownloadBytesPerSec, s.clock)
	s.upload = newThrottle(profile.UploadBytesPerSec, s.clock)
	s.mu.Unlock()

	s.logger.Info("network condition applied",
		logging.String("profile", profile.Name),
		logging.Duration("latency", profile.Latency),
		logging.Float64("loss_percent", profile.PacketLossPercent))
}

// GoOffline blocks all traffic until GoOnline reverts it.
func (s *Simulator) GoOffline() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.offline = true
	s.transitions++
	s.mu.Unlock()
	s.logger.Info("session offline")
}

// GoOnline restores traffic. When the active profile itself blocks traffic,
// the most recent online profile is reinstated.
func (s *Simulator) GoOnline() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.offline = false
	s.transitions++
	restore := s.profile.IsOffline()
	previous := s.lastOnline
	s.mu.Unlock()

	if restore {
		s.SetNetworkCondition(previous)
	}
	s.logger.Info("session online")
}

// Offline reports whether the session currently blocks all traffic.
func (s *Simulator) Offline() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline || s.profile.IsOffline()
}

// Condition returns the active profile.
func (s *Simulator) Condition() Profile {
	if s == nil {
		return Profile{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Transitions reports how many online/offline flips the session performed,
// which reconnection-storm scenarios assert against.
func (s *Simulator) Transitions() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions
}

// SimulateIntermittentConnection alternates offline/online windows for the
// given number of cycles, always ending online. Cancelling the context stops
// the cycling early but still leaves the session online.
func (s *Simulator) SimulateIntermittentConnection(ctx context.Context, onlineFor, offlineFor time.Duration, cycles int) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.GoOnline()
	for i := 0; i < cycles; i++ {
		//1.- Drop the link first so each cycle exercises a fresh reconnect.
		s.GoOffline()
		if err := sleepCtx(ctx, offlineFor); err != nil {
			return err
		}
		s.GoOnline()
		if err := sleepCtx(ctx, onlineFor); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermitInbound gates a delivery towards the client and reports how long the
// simulated network holds it.
func (s *Simulator) PermitInbound(payloadBytes int) (time.Duration, bool) {
	return s.permit(payloadBytes, true)
}

// PermitOutbound gates a client send towards the broker.
func (s *Simulator) PermitOutbound(payloadBytes int) (time.Duration, bool) {
	return s.permit(payloadBytes, false)
}

func (s *Simulator) permit(payloadBytes int, inbound bool) (time.Duration, bool) {
	if s == nil {
		return 0, true
	}
	s.mu.Lock()
	offline := s.offline || s.profile.IsOffline()
	profile := s.profile
	budget := s.upload
	if inbound {
		budget = s.download
	}
	lossSample := s.rand()
	s.mu.Unlock()

	if offline {
		return 0, false
	}
	//1.- Sample packet loss before spending bandwidth budget on the frame.
	if profile.PacketLossPercent > 0 && lossSample*100 < profile.PacketLossPercent {
		return 0, false
	}
	//2.- Deny the frame outright once the sustained budget is exhausted.
	if !budget.allow(payloadBytes) {
		return 0, false
	}
	return profile.Latency + budget.transferDelay(payloadBytes), true
}

// UsageSnapshot reports throttling statistics per direction.
func (s *Simulator) UsageSnapshot() (download Usage, upload Usage) {
	if s == nil {
		return Usage{}, Usage{}
	}
	s.mu.Lock()
	down, up := s.download, s.upload
	s.mu.Unlock()
	return down.usage(), up.usage()
}
