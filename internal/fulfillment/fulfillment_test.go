package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/leaddesk/internal/bus"
	"github.com/opensource-finance/leaddesk/internal/domain"
	"github.com/opensource-finance/leaddesk/internal/repository"
	"github.com/opensource-finance/leaddesk/internal/rules"
	"github.com/opensource-finance/leaddesk/internal/selection"
)

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:       "sqlite",
		SQLitePath:   filepath.Join(t.TempDir(), "fulfillment.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newService(t *testing.T, store Store, eventBus domain.EventBus) *Service {
	t.Helper()
	engine, err := rules.NewEngine(4)
	require.NoError(t, err)
	return NewService(store, engine, selection.DefaultRegistry(), eventBus, domain.FulfillmentConfig{})
}

// seed stores leads of one type, one per phone pattern in patterns, newest
// last so that the repository returns them in reverse.
func seed(t *testing.T, repo *repository.SQLRepository, leadType domain.LeadType, patterns []string, mutate func(i int, l *domain.Lead)) []*domain.Lead {
	t.Helper()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	leads := make([]*domain.Lead, len(patterns))
	for i, p := range patterns {
		leads[i] = &domain.Lead{
			ID:        fmt.Sprintf("%s-%03d", leadType, i),
			LeadType:  leadType,
			FirstName: "Lead",
			LastName:  fmt.Sprint(i),
			NewPhone:  fmt.Sprintf("+1%s%05d", p, i),
			Country:   "Canada",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if mutate != nil {
			mutate(i, leads[i])
		}
	}
	require.NoError(t, repo.SaveLeads(context.Background(), leads))
	return leads
}

// repeated returns each pattern of count distinct patterns copies times,
// interleaved: p0 p1 ... pN p0 p1 ...
func repeated(count, copies int) []string {
	var out []string
	for c := 0; c < copies; c++ {
		for p := 0; p < count; p++ {
			out = append(out, fmt.Sprintf("%04d", 1000+p))
		}
	}
	return out
}

func distinct(n int) []string {
	return repeated(n, 1)
}

func patternsOf(t *testing.T, repo *repository.SQLRepository, ids []string) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	for _, id := range ids {
		lead, err := repo.GetLead(context.Background(), id)
		require.NoError(t, err)
		counts[selection.PhonePattern(lead.NewPhone)]++
	}
	return counts
}

func TestFulfillFillerTierOne(t *testing.T) {
	repo := newRepo(t)
	svc := newService(t, repo, nil)
	ctx := context.Background()

	seed(t, repo, domain.LeadTypeFiller, repeated(12, 3), nil)

	order := &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeFiller: 10},
	}
	out, err := svc.Fulfill(ctx, order)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderFulfilled, out.Order.Status)
	assert.NotEmpty(t, out.Order.ID)
	require.Len(t, out.Order.Leads, 10)
	for pattern, n := range patternsOf(t, repo, out.Order.Leads) {
		assert.Equal(t, 1, n, "pattern %s repeated", pattern)
	}

	require.Len(t, out.Results, 1)
	assert.Equal(t, 1, out.Results[0].Tier)
	assert.Equal(t, "filler: 10 requested, 10 fulfilled (rule: max 1 lead per phone pattern)", out.Message)

	stored, err := repo.GetOrder(ctx, out.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Order.Leads, stored.Leads)
	assert.Equal(t, 10, stored.Fulfilled[domain.LeadTypeFiller])

	for _, id := range out.Order.Leads {
		lead, err := repo.GetLead(ctx, id)
		require.NoError(t, err)
		assert.True(t, lead.IsAssigned)
		assert.Equal(t, out.Order.ID, lead.OrderID)
	}
}

func TestFulfillPartialWhenPatternsRunOut(t *testing.T) {
	repo := newRepo(t)
	svc := newService(t, repo, nil)

	// 5 distinct patterns, 6 leads each; fetchCount for 10 is 30
	seed(t, repo, domain.LeadTypeFiller, repeated(5, 6), nil)

	out, err := svc.Fulfill(context.Background(), &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeFiller: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderPartial, out.Order.Status)
	assert.Equal(t, 5, out.Order.Fulfilled[domain.LeadTypeFiller])
	assert.Equal(t, "filler: 10 requested, 5 fulfilled (rule: max 1 lead per phone pattern)", out.Order.Messages[0])
}

func TestFulfillMixedTypes(t *testing.T) {
	repo := newRepo(t)
	svc := newService(t, repo, nil)

	ftd := seed(t, repo, domain.LeadTypeFTD, distinct(8), nil)
	seed(t, repo, domain.LeadTypeFiller, distinct(40), nil)
	seed(t, repo, domain.LeadTypeCold, distinct(2), nil)

	out, err := svc.Fulfill(context.Background(), &domain.Order{
		Requester: "user-1",
		Requests: map[domain.LeadType]int{
			domain.LeadTypeCold:   3,
			domain.LeadTypeFiller: 15,
			domain.LeadTypeFTD:    4,
			domain.LeadTypeLive:   0,
		},
	})
	require.NoError(t, err)

	// ftd, filler, cold; live is skipped
	require.Len(t, out.Results, 3)
	assert.Equal(t, domain.LeadTypeFTD, out.Results[0].LeadType)
	assert.Equal(t, domain.LeadTypeFiller, out.Results[1].LeadType)
	assert.Equal(t, domain.LeadTypeCold, out.Results[2].LeadType)

	// Types without a policy take the newest leads
	assert.Equal(t, []string{ftd[7].ID, ftd[6].ID, ftd[5].ID, ftd[4].ID}, out.Results[0].SelectedLeadIDs)
	assert.Equal(t, "ftd: 4 requested, 4 fulfilled", out.Results[0].Message)

	assert.Equal(t, 2, out.Results[1].Tier)
	assert.Equal(t, 15, out.Results[1].Fulfilled)
	assert.Equal(t, "cold: 3 requested, 2 fulfilled", out.Results[2].Message)

	assert.Equal(t, domain.OrderPartial, out.Order.Status)
	assert.Len(t, out.Order.Leads, 4+15+2)
	assert.Equal(t, ftd[7].ID, out.Order.Leads[0])
}

func TestFulfillAppliesFilters(t *testing.T) {
	repo := newRepo(t)
	svc := newService(t, repo, nil)

	seed(t, repo, domain.LeadTypeFTD, distinct(10), func(i int, l *domain.Lead) {
		if i%2 == 0 {
			l.Client = "acme"
		}
		if i == 9 {
			l.Country = "Mexico"
		}
	})

	out, err := svc.Fulfill(context.Background(), &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeFTD: 10},
		Filters: domain.OrderFilters{
			Country:        "Canada",
			ExcludeClients: []string{"acme"},
		},
	})
	require.NoError(t, err)

	// odd ids 1,3,5,7 remain; 9 is in Mexico
	assert.Equal(t, []string{"ftd-007", "ftd-005", "ftd-003", "ftd-001"}, out.Order.Leads)
	assert.Equal(t, domain.OrderPartial, out.Order.Status)
}

func TestFulfillAdminRules(t *testing.T) {
	repo := newRepo(t)
	engine, err := rules.NewEngine(2)
	require.NoError(t, err)
	require.NoError(t, engine.LoadRule(&domain.EligibilityRule{
		ID:         "active-only",
		Name:       "active only",
		Expression: `lead.status == "active"`,
		Enabled:    true,
	}))
	svc := NewService(repo, engine, nil, nil, domain.FulfillmentConfig{})

	seed(t, repo, domain.LeadTypeCold, distinct(6), func(i int, l *domain.Lead) {
		l.Status = "active"
		if i < 3 {
			l.Status = "inactive"
		}
	})

	out, err := svc.Fulfill(context.Background(), &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeCold: 6},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cold-005", "cold-004", "cold-003"}, out.Order.Leads)
}

func TestFulfillPagesPastIneligible(t *testing.T) {
	repo := newRepo(t)
	svc := newService(t, repo, nil)

	// Newest 20 leads are excluded, so the first page yields nothing
	seed(t, repo, domain.LeadTypeFTD, distinct(25), func(i int, l *domain.Lead) {
		if i >= 5 {
			l.ClientNetwork = "blocked"
		}
	})

	out, err := svc.Fulfill(context.Background(), &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeFTD: 3},
		Filters:   domain.OrderFilters{ExcludeNetworks: []string{"blocked"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ftd-004", "ftd-003", "ftd-002"}, out.Order.Leads)
}

func TestFulfillValidation(t *testing.T) {
	svc := newService(t, newRepo(t), nil)
	ctx := context.Background()

	_, err := svc.Fulfill(ctx, &domain.Order{Requester: "u", Requests: map[domain.LeadType]int{}})
	assert.ErrorIs(t, err, ErrNothingRequested)

	_, err = svc.Fulfill(ctx, &domain.Order{Requester: "u", Requests: map[domain.LeadType]int{domain.LeadTypeFiller: 0}})
	assert.ErrorIs(t, err, ErrNothingRequested)

	_, err = svc.Fulfill(ctx, &domain.Order{Requester: "u", Requests: map[domain.LeadType]int{"warm": 3}})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = svc.Fulfill(ctx, &domain.Order{Requester: "u", Requests: map[domain.LeadType]int{domain.LeadTypeFTD: -1}})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = svc.Fulfill(ctx, &domain.Order{Requests: map[domain.LeadType]int{domain.LeadTypeFTD: 1}})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = svc.Fulfill(ctx, &domain.Order{
		Requester: "u",
		Status:    domain.OrderFulfilled,
		Requests:  map[domain.LeadType]int{domain.LeadTypeFTD: 1},
	})
	assert.ErrorIs(t, err, ErrOrderClosed)
}

func TestFulfillEmptyPool(t *testing.T) {
	svc := newService(t, newRepo(t), nil)

	out, err := svc.Fulfill(context.Background(), &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeFiller: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartial, out.Order.Status)
	assert.Empty(t, out.Order.Leads)
	assert.Equal(t, "filler: 5 requested, 0 fulfilled (rule: max 1 lead per phone pattern)", out.Message)
}

// racingStore lets a rival order grab the first selected lead on the first
// steals claim calls.
type racingStore struct {
	*repository.SQLRepository
	steals int
	calls  int
}

func (s *racingStore) ClaimLeads(ctx context.Context, orderID string, ids []string) ([]string, error) {
	s.calls++
	if s.calls <= s.steals && len(ids) > 0 {
		if _, err := s.SQLRepository.ClaimLeads(ctx, "rival", ids[:1]); err != nil {
			return nil, err
		}
	}
	return s.SQLRepository.ClaimLeads(ctx, orderID, ids)
}

func TestFulfillRetriesLostClaims(t *testing.T) {
	repo := newRepo(t)
	store := &racingStore{SQLRepository: repo, steals: 1}
	svc := newService(t, store, nil)

	seed(t, repo, domain.LeadTypeFTD, distinct(20), nil)

	out, err := svc.Fulfill(context.Background(), &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeFTD: 5},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, store.calls)
	assert.Equal(t, domain.OrderFulfilled, out.Order.Status)
	assert.Len(t, out.Order.Leads, 5)
	assert.NotContains(t, out.Order.Leads, "ftd-019", "rival's lead must not be in the order")

	// The released leads from the first attempt went back to the pool
	unassigned := false
	free, err := repo.ListLeads(context.Background(), domain.LeadQuery{IsAssigned: &unassigned})
	require.NoError(t, err)
	assert.Len(t, free, 20-5-1)
}

func TestFulfillKeepsPartialClaimAfterRetries(t *testing.T) {
	repo := newRepo(t)
	store := &racingStore{SQLRepository: repo, steals: 100}
	svc := newService(t, store, nil)

	seed(t, repo, domain.LeadTypeFTD, distinct(20), nil)

	out, err := svc.Fulfill(context.Background(), &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeFTD: 5},
	})
	require.NoError(t, err)

	assert.Equal(t, defaultClaimAttempts, store.calls)
	assert.Equal(t, domain.OrderPartial, out.Order.Status)
	assert.Equal(t, 4, out.Order.Fulfilled[domain.LeadTypeFTD])
	assert.Equal(t, "ftd: 5 requested, 4 fulfilled", out.Message)

	rival, err := repo.ListLeads(context.Background(), domain.LeadQuery{OrderID: "rival"})
	require.NoError(t, err)
	assert.Len(t, rival, defaultClaimAttempts)
}

// faultyStore fails fetches or claims for one lead type.
type faultyStore struct {
	*repository.SQLRepository
	failFetch domain.LeadType
	failClaim domain.LeadType
}

var errBoom = errors.New("boom")

func (s *faultyStore) FetchCandidates(ctx context.Context, leadType domain.LeadType, filters domain.OrderFilters, limit, offset int) ([]*domain.Lead, error) {
	if leadType == s.failFetch {
		return nil, errBoom
	}
	return s.SQLRepository.FetchCandidates(ctx, leadType, filters, limit, offset)
}

func (s *faultyStore) ClaimLeads(ctx context.Context, orderID string, ids []string) ([]string, error) {
	for _, id := range ids {
		if s.failClaim != "" && strings.HasPrefix(id, string(s.failClaim)+"-") {
			return nil, errBoom
		}
	}
	return s.SQLRepository.ClaimLeads(ctx, orderID, ids)
}

func TestFulfillErrors(t *testing.T) {
	requests := map[domain.LeadType]int{domain.LeadTypeFTD: 3, domain.LeadTypeCold: 2}

	t.Run("FetchError", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, domain.LeadTypeFTD, distinct(5), nil)
		seed(t, repo, domain.LeadTypeCold, distinct(5), nil)
		svc := newService(t, &faultyStore{SQLRepository: repo, failFetch: domain.LeadTypeCold}, nil)

		_, err := svc.Fulfill(context.Background(), &domain.Order{Requester: "u", Requests: requests})
		require.Error(t, err)
		assert.ErrorIs(t, err, errBoom)
		assert.Contains(t, err.Error(), "cold")
	})

	t.Run("ClaimErrorReleasesEarlierTypes", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, domain.LeadTypeFTD, distinct(5), nil)
		seed(t, repo, domain.LeadTypeCold, distinct(5), nil)
		svc := newService(t, &faultyStore{SQLRepository: repo, failClaim: domain.LeadTypeCold}, nil)

		_, err := svc.Fulfill(context.Background(), &domain.Order{Requester: "u", Requests: requests})
		require.ErrorIs(t, err, errBoom)

		assigned := true
		held, err := repo.ListLeads(context.Background(), domain.LeadQuery{IsAssigned: &assigned})
		require.NoError(t, err)
		assert.Empty(t, held, "ftd leads should be released after the cold claim failed")
	})
}

func TestConcurrentOrdersNeverShareLeads(t *testing.T) {
	repo := newRepo(t)
	svc := newService(t, repo, nil)

	seed(t, repo, domain.LeadTypeFiller, distinct(60), nil)

	const orders = 6
	outcomes := make([]*Outcome, orders)
	errs := make([]error, orders)

	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.Fulfill(context.Background(), &domain.Order{
				Requester: fmt.Sprintf("user-%d", i),
				Requests:  map[domain.LeadType]int{domain.LeadTypeFiller: 8},
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]string)
	for i, out := range outcomes {
		require.NoError(t, errs[i])
		for _, id := range out.Order.Leads {
			if prev, dup := seen[id]; dup {
				t.Fatalf("lead %s assigned to %s and %s", id, prev, out.Order.ID)
			}
			seen[id] = out.Order.ID
		}
	}
}

func TestCancel(t *testing.T) {
	repo := newRepo(t)
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()
	svc := newService(t, repo, eventBus)
	ctx := context.Background()

	events := make(chan *domain.OrderEvent, 4)
	_, err := eventBus.Subscribe(ctx, domain.TopicOrderCancelled, func(ctx context.Context, msg *domain.Message) error {
		event, err := bus.DecodeOrderEvent(msg)
		if err == nil {
			events <- event
		}
		return err
	})
	require.NoError(t, err)

	seed(t, repo, domain.LeadTypeCold, distinct(4), nil)
	out, err := svc.Fulfill(ctx, &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeCold: 4},
	})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, out.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	unassigned := false
	free, err := repo.ListLeads(ctx, domain.LeadQuery{IsAssigned: &unassigned})
	require.NoError(t, err)
	assert.Len(t, free, 4)

	select {
	case event := <-events:
		assert.Equal(t, out.Order.ID, event.OrderID)
		assert.Equal(t, domain.OrderCancelled, event.Status)
	case <-time.After(time.Second):
		t.Fatal("no cancellation event")
	}

	_, err = svc.Cancel(ctx, out.Order.ID)
	assert.ErrorIs(t, err, ErrOrderClosed)

	_, err = svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSubmitAndFulfillByID(t *testing.T) {
	repo := newRepo(t)
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()
	svc := newService(t, repo, eventBus)
	ctx := context.Background()

	requested := make(chan string, 1)
	_, err := eventBus.Subscribe(ctx, domain.TopicOrderRequested, func(ctx context.Context, msg *domain.Message) error {
		event, err := bus.DecodeOrderEvent(msg)
		if err == nil {
			requested <- event.OrderID
		}
		return err
	})
	require.NoError(t, err)

	seed(t, repo, domain.LeadTypeLive, distinct(3), nil)
	order := &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeLive: 2},
	}
	require.NoError(t, svc.Submit(ctx, order))
	assert.Equal(t, domain.OrderPending, order.Status)

	var id string
	select {
	case id = <-requested:
	case <-time.After(time.Second):
		t.Fatal("no order requested event")
	}
	assert.Equal(t, order.ID, id)

	pending, err := repo.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, pending.Status)

	out, err := svc.FulfillByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFulfilled, out.Order.Status)

	// A second run finds the order closed
	_, err = svc.FulfillByID(ctx, id)
	assert.ErrorIs(t, err, ErrOrderClosed)
}

func TestRequestedTypes(t *testing.T) {
	got := requestedTypes(map[domain.LeadType]int{
		domain.LeadTypeLive:   1,
		domain.LeadTypeCold:   2,
		domain.LeadTypeFiller: 0,
		domain.LeadTypeFTD:    3,
		"zeta":                1,
		"alpha":               1,
	})
	assert.Equal(t, []domain.LeadType{
		domain.LeadTypeFTD, domain.LeadTypeFiller, domain.LeadTypeCold, domain.LeadTypeLive, "alpha", "zeta",
	}, got)
}

func TestFulfillReportsZeroRequestedTypes(t *testing.T) {
	repo := newRepo(t)
	svc := newService(t, repo, nil)

	seed(t, repo, domain.LeadTypeFTD, distinct(3), nil)
	seed(t, repo, domain.LeadTypeFiller, distinct(3), nil)

	out, err := svc.Fulfill(context.Background(), &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeFTD: 2, domain.LeadTypeFiller: 0},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderFulfilled, out.Order.Status)
	assert.Len(t, out.Order.Leads, 2)
	require.Len(t, out.Results, 2)
	assert.Equal(t, domain.LeadTypeFiller, out.Results[1].LeadType)
	assert.Equal(t, 0, out.Results[1].Requested)
	assert.Equal(t, 0, out.Results[1].Fulfilled)
	assert.Empty(t, out.Results[1].SelectedLeadIDs)
	assert.Equal(t, "ftd: 2 requested, 2 fulfilled; filler: 0 requested, 0 fulfilled", out.Message)
	assert.Equal(t, 0, out.Order.Fulfilled[domain.LeadTypeFiller])
}

// cancellingStore cancels the order through the service the first time
// fulfillment reaches the chosen step, then lets the step run.
type cancellingStore struct {
	*repository.SQLRepository
	svc       *Service
	onCommit  bool
	fired     bool
	cancelled *domain.Order
	cancelErr error
}

func (s *cancellingStore) cancel(ctx context.Context, orderID string) {
	s.fired = true
	s.cancelled, s.cancelErr = s.svc.Cancel(ctx, orderID)
}

func (s *cancellingStore) ClaimLeads(ctx context.Context, orderID string, ids []string) ([]string, error) {
	if !s.onCommit && !s.fired {
		s.cancel(ctx, orderID)
	}
	return s.SQLRepository.ClaimLeads(ctx, orderID, ids)
}

func (s *cancellingStore) SaveOrderIf(ctx context.Context, order *domain.Order, from domain.OrderStatus) error {
	if s.onCommit && !s.fired && order.Status != domain.OrderCancelled {
		s.cancel(ctx, order.ID)
	}
	return s.SQLRepository.SaveOrderIf(ctx, order, from)
}

func TestCancelDuringFulfillment(t *testing.T) {
	for _, tc := range []struct {
		name     string
		onCommit bool
	}{
		{"WhileClaiming", false},
		{"BeforeCommit", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			repo := newRepo(t)
			store := &cancellingStore{SQLRepository: repo, onCommit: tc.onCommit}
			svc := newService(t, store, nil)
			store.svc = svc
			ctx := context.Background()

			seed(t, repo, domain.LeadTypeFTD, distinct(6), nil)
			seed(t, repo, domain.LeadTypeCold, distinct(6), nil)

			order := &domain.Order{
				Requester: "user-1",
				Requests:  map[domain.LeadType]int{domain.LeadTypeFTD: 3, domain.LeadTypeCold: 2},
			}
			require.NoError(t, svc.Prepare(order))
			require.NoError(t, repo.SaveOrder(ctx, order))

			_, err := svc.FulfillByID(ctx, order.ID)
			require.ErrorIs(t, err, ErrOrderClosed)

			require.True(t, store.fired)
			require.NoError(t, store.cancelErr)
			assert.Equal(t, domain.OrderCancelled, store.cancelled.Status)

			stored, err := repo.GetOrder(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.OrderCancelled, stored.Status)
			assert.NotNil(t, stored.CancelledAt)
			assert.Empty(t, stored.Leads)

			assigned := true
			held, err := repo.ListLeads(ctx, domain.LeadQuery{IsAssigned: &assigned})
			require.NoError(t, err)
			assert.Empty(t, held, "a cancelled order must not keep leads")
		})
	}
}

// conflictingStore makes the first conditional save fail as if another
// writer changed the order in between.
type conflictingStore struct {
	*repository.SQLRepository
	conflicts int
}

func (s *conflictingStore) SaveOrderIf(ctx context.Context, order *domain.Order, from domain.OrderStatus) error {
	if s.conflicts > 0 {
		s.conflicts--
		return fmt.Errorf("%w: order %s is no longer %s", repository.ErrConflict, order.ID, from)
	}
	return s.SQLRepository.SaveOrderIf(ctx, order, from)
}

func TestCancelRetriesConflicts(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	seed(t, repo, domain.LeadTypeCold, distinct(2), nil)
	out, err := newService(t, repo, nil).Fulfill(ctx, &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeCold: 2},
	})
	require.NoError(t, err)

	t.Run("Recovers", func(t *testing.T) {
		svc := newService(t, &conflictingStore{SQLRepository: repo, conflicts: 1}, nil)
		cancelled, err := svc.Cancel(ctx, out.Order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderCancelled, cancelled.Status)

		unassigned := false
		free, err := repo.ListLeads(ctx, domain.LeadQuery{IsAssigned: &unassigned})
		require.NoError(t, err)
		assert.Len(t, free, 2)
	})

	t.Run("GivesUp", func(t *testing.T) {
		other, err := newService(t, repo, nil).Fulfill(ctx, &domain.Order{
			Requester: "user-2",
			Requests:  map[domain.LeadType]int{domain.LeadTypeCold: 1},
		})
		require.NoError(t, err)

		svc := newService(t, &conflictingStore{SQLRepository: repo, conflicts: 100}, nil)
		_, err = svc.Cancel(ctx, other.Order.ID)
		require.ErrorIs(t, err, repository.ErrConflict)

		stored, err := repo.GetOrder(ctx, other.Order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderFulfilled, stored.Status)
	})
}

// cancelAfterFetchStore cancels the caller's context once candidates are
// read, so eligibility checks run on a dead context.
type cancelAfterFetchStore struct {
	*repository.SQLRepository
	cancel context.CancelFunc
}

func (s *cancelAfterFetchStore) FetchCandidates(ctx context.Context, leadType domain.LeadType, filters domain.OrderFilters, limit, offset int) ([]*domain.Lead, error) {
	leads, err := s.SQLRepository.FetchCandidates(ctx, leadType, filters, limit, offset)
	s.cancel()
	return leads, err
}

func TestFulfillStopsWhenContextCancelledDuringEligibility(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo, domain.LeadTypeFiller, distinct(10), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newService(t, &cancelAfterFetchStore{SQLRepository: repo, cancel: cancel}, nil)

	_, err := svc.Fulfill(ctx, &domain.Order{
		Requester: "user-1",
		Requests:  map[domain.LeadType]int{domain.LeadTypeFiller: 5},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "failed to check filler candidates")

	assigned := true
	held, err := repo.ListLeads(context.Background(), domain.LeadQuery{IsAssigned: &assigned})
	require.NoError(t, err)
	assert.Empty(t, held)

	orders, err := repo.ListOrders(context.Background(), domain.OrderQuery{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}
