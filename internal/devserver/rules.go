package devserver

import (
	"context"
	"encoding/json"
	"errors"

	"auction-realtime/internal/domain"

	"github.com/go-redis/redis/v8"
)

const rulesKey = "bid_validation_rules"

// DefaultRules are the tiered minimum increments.
func DefaultRules() *domain.BidValidationRules {
	return &domain.BidValidationRules{
		Rules: map[string]float64{
			"0-100":   5.0,
			"100-500": 10.0,
			"500+":    25.0,
		},
	}
}

// BiddingRuleDao holds the increment rules. With a Redis client the rules
// are shared by every dev server instance; without one the defaults apply.
type BiddingRuleDao struct {
	client *redis.Client
	rules  *domain.BidValidationRules
}

func NewBiddingRuleDao(client *redis.Client) *BiddingRuleDao {
	return &BiddingRuleDao{
		client: client,
		rules:  DefaultRules(),
	}
}

func (v *BiddingRuleDao) LoadRules(ctx context.Context) error {
	if v.client == nil {
		return nil
	}

	data, err := v.client.Get(ctx, rulesKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return v.saveRules(ctx)
		}
		return err
	}

	var rules domain.BidValidationRules
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return err
	}

	v.rules = &rules
	return nil
}

func (v *BiddingRuleDao) saveRules(ctx context.Context) error {
	data, err := json.Marshal(v.rules)
	if err != nil {
		return err
	}

	return v.client.Set(ctx, rulesKey, string(data), 0).Err()
}

func (v *BiddingRuleDao) ValidateIncrement(currentAmount, newAmount float64) bool {
	return newAmount >= v.GetMinimumBid(currentAmount)
}

func (v *BiddingRuleDao) GetMinimumBid(currentAmount float64) float64 {
	return currentAmount + v.GetIncrementRule(currentAmount)
}

func (v *BiddingRuleDao) GetIncrementRule(amount float64) float64 {
	if v.rules == nil {
		return 5.0 // default
	}
	if amount < 100 {
		return v.rules.Rules["0-100"]
	} else if amount < 500 {
		return v.rules.Rules["100-500"]
	} else {
		return v.rules.Rules["500+"]
	}
}
