package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// =============================================================================
// SCENARIO SCHEMA
// =============================================================================

// Scenario is a complete demo data set.
type Scenario struct {
	ID           string            `json:"id" validate:"required"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Associations []AssociationJSON `json:"associations" validate:"required,min=1,dive"`
}

type AssociationJSON struct {
	Name    string          `json:"name" validate:"required"`
	Fees    []FeePolicyJSON `json:"fees" validate:"dive"`
	Members []MemberJSON    `json:"members" validate:"dive"`
}

// MemberJSON describes a member and their membership in the enclosing
// association. Members are matched across associations by email.
type MemberJSON struct {
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name"`
	Email     string `json:"email" validate:"omitempty,email"`

	// Anchor is an absolute subscription anchor (YYYY-MM-DD).
	// AnchorMonthsAgo places it relative to today when Anchor is empty.
	Anchor          string `json:"anchor,omitempty"`
	AnchorMonthsAgo int    `json:"anchor_months_ago,omitempty" validate:"gte=0"`

	Payments []PaymentJSON `json:"payments" validate:"dive"`
}

// PaymentJSON pays toward the association's fee of the given type. A
// subscription payment lands on the current cycle charge.
type PaymentJSON struct {
	Fee       string          `json:"fee" validate:"required,oneof=membership subscription"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method,omitempty"`
	Reference string          `json:"reference,omitempty"`
}

// SeedResult counts what a scenario created.
type SeedResult struct {
	ScenarioID   string `json:"scenario_id"`
	Associations int    `json:"associations"`
	Fees         int    `json:"fees"`
	Members      int    `json:"members"`
	Memberships  int    `json:"memberships"`
	Payments     int    `json:"payments"`
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario JSON: %w", err)
	}
	if err := validator.New().Struct(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", sc.ID, err)
	}
	return &sc, nil
}

// LoadScenarioFile reads a scenario from disk. The name "default" selects
// the built-in scenario.
func LoadScenarioFile(path string) (*Scenario, error) {
	if path == "default" {
		return ParseScenario([]byte(DefaultScenarioJSON))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// =============================================================================
// SEEDER
// =============================================================================

// Seeder loads scenarios through the billing services so seeded data
// produces the same charges, events and audit trail as real traffic.
type Seeder struct {
	store       billing.TxStore
	policies    *billing.PolicyService
	memberships *billing.MembershipService
	payments    *billing.PaymentRecorder
	clock       billing.Clock
	factory     *PolicyFactory
	logger      *zap.Logger
}

func NewSeeder(
	store billing.TxStore,
	policies *billing.PolicyService,
	memberships *billing.MembershipService,
	payments *billing.PaymentRecorder,
	clock billing.Clock,
	logger *zap.Logger,
) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{
		store:       store,
		policies:    policies,
		memberships: memberships,
		payments:    payments,
		clock:       clock,
		factory:     NewPolicyFactory(),
		logger:      logger.Named("seed"),
	}
}

var seedActor = billing.Actor{ID: "seed", Name: "Demo seeding"}

// Seed creates everything in sc. It is not idempotent: running a scenario
// twice creates a second copy of its associations.
func (s *Seeder) Seed(ctx context.Context, sc *Scenario) (SeedResult, error) {
	result := SeedResult{ScenarioID: sc.ID}
	members := map[string]billing.MemberID{}

	for _, aj := range sc.Associations {
		assoc := billing.Association{
			ID:        billing.AssociationID(billing.NewID()),
			Name:      aj.Name,
			CreatedAt: s.clock.Now(),
		}
		if err := s.store.SaveAssociation(ctx, assoc); err != nil {
			return result, fmt.Errorf("association %q: %w", aj.Name, err)
		}
		result.Associations++

		fees := map[billing.FeeType]billing.FeeID{}
		for _, fj := range aj.Fees {
			in, err := s.factory.FromJSON(fj, assoc.ID)
			if err != nil {
				return result, fmt.Errorf("association %q: %w", aj.Name, err)
			}
			fee, err := s.policies.CreateFee(ctx, in, seedActor)
			if err != nil {
				return result, fmt.Errorf("association %q: %w", aj.Name, err)
			}
			fees[fee.Type] = fee.ID
			result.Fees++
		}

		for _, mj := range aj.Members {
			memberID, created, err := s.member(ctx, members, mj)
			if err != nil {
				return result, err
			}
			if created {
				result.Members++
			}

			anchor, err := s.anchor(mj)
			if err != nil {
				return result, fmt.Errorf("member %q: %w", mj.FirstName, err)
			}
			m, err := s.memberships.CreateMembership(ctx, billing.MembershipInput{
				MemberID:           memberID,
				AssociationID:      assoc.ID,
				SubscriptionAnchor: anchor,
			}, seedActor)
			if err != nil {
				return result, fmt.Errorf("member %q: %w", mj.FirstName, err)
			}
			result.Memberships++

			for _, pj := range mj.Payments {
				feeID, ok := fees[billing.FeeType(pj.Fee)]
				if !ok {
					return result, fmt.Errorf("member %q: association %q has no %s fee", mj.FirstName, aj.Name, pj.Fee)
				}
				_, err := s.payments.RecordPayment(ctx, billing.RecordPaymentInput{
					MembershipID:  m.ID,
					Target:        billing.ExistingFee{FeeID: feeID},
					Amount:        pj.Amount,
					Method:        billing.PaymentMethod(pj.Method),
					ReferenceCode: pj.Reference,
				}, seedActor)
				if err != nil {
					return result, fmt.Errorf("member %q: %w", mj.FirstName, err)
				}
				result.Payments++
			}
		}
	}

	s.logger.Info("scenario seeded",
		zap.String("scenario", sc.ID),
		zap.Int("associations", result.Associations),
		zap.Int("memberships", result.Memberships),
		zap.Int("payments", result.Payments),
	)
	return result, nil
}

func (s *Seeder) member(ctx context.Context, seen map[string]billing.MemberID, mj MemberJSON) (billing.MemberID, bool, error) {
	key := strings.ToLower(mj.Email)
	if key != "" {
		if id, ok := seen[key]; ok {
			return id, false, nil
		}
	}
	m := billing.Member{
		ID:        billing.MemberID(billing.NewID()),
		FirstName: mj.FirstName,
		LastName:  mj.LastName,
		Email:     mj.Email,
	}
	if err := s.store.SaveMember(ctx, m); err != nil {
		return "", false, fmt.Errorf("member %q: %w", mj.FirstName, err)
	}
	if key != "" {
		seen[key] = m.ID
	}
	return m.ID, true, nil
}

func (s *Seeder) anchor(mj MemberJSON) (billing.Date, error) {
	if mj.Anchor != "" {
		return billing.ParseDate(mj.Anchor)
	}
	return s.clock.Today().AddMonths(-mj.AnchorMonthsAgo), nil
}

// =============================================================================
// BUILT-IN SCENARIO
// =============================================================================

// DefaultScenarioJSON has two associations with different cycle lengths.
// Anchors are relative so the demo shows due, overdue and paid charges
// whenever it is loaded.
const DefaultScenarioJSON = `{
  "id": "campus-clubs",
  "name": "Campus clubs",
  "description": "A 4-month subscription club and a 12-month society with a one-off membership fee",
  "associations": [
    {
      "name": "Coders Club",
      "fees": [
        {"fee_type": "subscription", "amount": "20000", "duration_months": 4, "grace_days": 3,
         "max_missed_cycles": 2, "reminder_days_before_due": [7, 3, 1]}
      ],
      "members": [
        {"first_name": "Amina", "last_name": "Nakato", "email": "amina.nakato@students.iukc.ac.ug",
         "anchor_months_ago": 1,
         "payments": [{"fee": "subscription", "amount": "12000", "method": "mobile_money", "reference": "MM-100231"}]},
        {"first_name": "Brian", "last_name": "Okello", "email": "brian.okello@students.iukc.ac.ug",
         "anchor_months_ago": 9},
        {"first_name": "Grace", "last_name": "Atim", "anchor_months_ago": 3}
      ]
    },
    {
      "name": "Debate Society",
      "fees": [
        {"fee_type": "membership", "amount": "10000", "allow_installments": false},
        {"fee_type": "subscription", "amount": "50000", "duration_months": 12, "grace_days": 7,
         "max_missed_cycles": 1, "reminder_days_before_due": [14, 7]}
      ],
      "members": [
        {"first_name": "Amina", "last_name": "Nakato", "email": "amina.nakato@students.iukc.ac.ug",
         "anchor_months_ago": 2,
         "payments": [
           {"fee": "membership", "amount": "10000", "method": "cash"},
           {"fee": "subscription", "amount": "50000", "method": "bank_transfer", "reference": "BT-88412"}
         ]},
        {"first_name": "David", "last_name": "Mugisha", "email": "david.mugisha@students.iukc.ac.ug",
         "anchor_months_ago": 13}
      ]
    }
  ]
}`
