// Command gatekey-loadtest benchmarks the two hot paths of the engine:
// access token verification (pure CPU) and refresh token rotation (one
// Redis CAS round trip per call). It seeds anonymous sessions against a
// local miniredis unless a real Redis address is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gatekey "github.com/halvard/gatekey"
)

func main() {
	var (
		sessions    = flag.Int("sessions", 10000, "number of sessions to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase (verify + refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var cleanup func()
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		cleanup = mr.Close
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		cleanup = func() {}
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	cfg := gatekey.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("loadtest-loadtest-loadtest-loadtest")
	cfg.Ticket.ServerURL = "http://localhost:8080"
	cfg.Ticket.DefaultRedirectURL = "http://localhost:3000"
	cfg.Audit.Enabled = false

	engine, err := gatekey.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(newMemoryUsers()).
		WithEmailProvider(discardEmail{}).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	states := make([]sessionState, *sessions)
	fmt.Printf("seeding %d sessions...\n", *sessions)
	startSeed := time.Now()
	for i := range states {
		session, err := engine.SignInAnonymous(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
		states[i] = sessionState{
			accessToken:  session.AccessToken,
			refreshToken: session.RefreshToken,
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	verifyStats := runVerifyPhase(engine, states, *ops, *concurrency)
	refreshStats := runRefreshPhase(ctx, engine, states, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("verify", verifyStats)
	printStats("refresh", refreshStats)
}

type sessionState struct {
	accessToken  string
	refreshToken string
	mu           sync.Mutex
}

func runVerifyPhase(engine *gatekey.Engine, states []sessionState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(states))
				t0 := time.Now()
				_, err := engine.VerifyAccessToken(states[idx].accessToken)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

func runRefreshPhase(ctx context.Context, engine *gatekey.Engine, states []sessionState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(states))
				state := &states[idx]

				// Rotation invalidates the old token, so each session
				// refreshes under its own lock.
				state.mu.Lock()
				t0 := time.Now()
				session, err := engine.Refresh(ctx, state.refreshToken)
				d := time.Since(t0)
				if err == nil {
					state.accessToken = session.AccessToken
					state.refreshToken = session.RefreshToken
				} else {
					atomic.AddInt64(&failures, 1)
				}
				state.mu.Unlock()

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

type discardEmail struct{}

func (discardEmail) SendTicketLink(context.Context, string, gatekey.TicketType, string) error {
	return nil
}
func (discardEmail) SendOTP(context.Context, string, string) error { return nil }

// memoryUsers is the minimal in-process UserStore the seeder needs:
// anonymous sign-ins only create and read users.
type memoryUsers struct {
	mu    sync.Mutex
	seq   int
	users map[string]gatekey.User
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: map[string]gatekey.User{}}
}

func (s *memoryUsers) CreateUser(ctx context.Context, input gatekey.CreateUserInput) (gatekey.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	user := gatekey.User{
		ID:          fmt.Sprintf("u%d", s.seq),
		Email:       input.Email,
		PhoneNumber: input.PhoneNumber,
		DisplayName: input.DisplayName,
		DefaultRole: input.DefaultRole,
		Roles:       input.Roles,
		Anonymous:   input.Anonymous,
		CreatedAt:   time.Now().UTC(),
	}
	s.users[user.ID] = user
	return user, nil
}

func (s *memoryUsers) GetUserByID(ctx context.Context, id string) (gatekey.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return gatekey.User{}, gatekey.ErrUserNotFound
	}
	return user, nil
}

func (s *memoryUsers) GetUserByEmail(context.Context, string) (gatekey.User, error) {
	return gatekey.User{}, gatekey.ErrUserNotFound
}

func (s *memoryUsers) GetUserByPhoneNumber(context.Context, string) (gatekey.User, error) {
	return gatekey.User{}, gatekey.ErrUserNotFound
}

func (s *memoryUsers) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

func (s *memoryUsers) UpdatePasswordHash(context.Context, string, string) error   { return nil }
func (s *memoryUsers) SetEmailVerified(context.Context, string, bool) error       { return nil }
func (s *memoryUsers) SetNewEmail(context.Context, string, string) error          { return nil }
func (s *memoryUsers) ApplyEmailChange(context.Context, string) error             { return nil }
func (s *memoryUsers) SetPendingTOTPSecret(context.Context, string, string) error { return nil }
func (s *memoryUsers) ActivateTOTP(context.Context, string) error                 { return nil }
func (s *memoryUsers) DeactivateMFA(context.Context, string) error                { return nil }

func (s *memoryUsers) UpdateTOTPLastUsedCounter(context.Context, string, int64) error { return nil }

func (s *memoryUsers) SetOTPMethodLastUsed(context.Context, string, gatekey.OTPChannel) error {
	return nil
}

func (s *memoryUsers) AddSecurityKey(ctx context.Context, key gatekey.SecurityKey) (gatekey.SecurityKey, error) {
	return key, nil
}

func (s *memoryUsers) ListSecurityKeys(context.Context, string) ([]gatekey.SecurityKey, error) {
	return nil, nil
}

func (s *memoryUsers) RemoveSecurityKey(context.Context, string, string) error {
	return gatekey.ErrSecurityKeyNotFound
}

func (s *memoryUsers) UpdateSecurityKeySignCount(context.Context, string, uint32) error { return nil }
