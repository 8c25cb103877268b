package simulation

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/nmxmxh/fundpulse/internal/repository"
)

const (
	donationMedian = 50.0
	donationSigma  = 0.9
	donationMin    = 5.0
	donationMax    = 1000.0
	anonymousShare = 0.2
)

var (
	donorNames = []string{
		"Amara Okafor", "Liam Chen", "Sofia Rossi", "Kwame Mensah", "Priya Nair",
		"Jonas Berg", "Fatima Bello", "Mateo Alvarez", "Hana Sato", "Chidi Eze",
	}
	paymentMethods = []string{"card", "bank_transfer", "mobile_money", "paypal"}
	messages       = []string{
		"", "", "Keep going!", "Happy to help.", "For a good cause.", "Good luck with the goal!",
	}
	campaignSubjects = []string{
		"Community Garden", "School Library", "Clean Water Well", "Youth Football Club",
		"Animal Shelter", "Solar Panels for the Clinic", "Coding Bootcamp", "Flood Relief",
	}
	campaignPlaces = []string{"Lagos", "Nairobi", "Accra", "Kigali", "Cape Town", "Abuja"}
	categories     = []string{"community", "education", "health", "sports", "environment", "emergency"}
	organizers     = []string{"Hope Foundation", "Bright Futures", "Local Heroes", "Open Hands"}
	targets        = []float64{1000, 2500, 5000, 10000, 25000}
)

// generator turns a seeded random source into synthetic activity. Its
// methods are safe for concurrent use by the engine's loops.
type generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newGenerator(seed int64) *generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &generator{rng: rand.New(rand.NewSource(seed))}
}

// jitter picks a duration in [min, max).
func (g *generator) jitter(iv Interval) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	span := int64(iv.Max - iv.Min)
	if span <= 0 {
		return iv.Min
	}
	return iv.Min + time.Duration(g.rng.Int63n(span))
}

// amount draws from a log-normal around the median, clamped and rounded to
// cents.
func (g *generator) amount() float64 {
	g.mu.Lock()
	v := math.Exp(math.Log(donationMedian) + donationSigma*g.rng.NormFloat64())
	g.mu.Unlock()
	return repository.RoundCents(math.Min(donationMax, math.Max(donationMin, v)))
}

// pickCampaign chooses a campaign weighted by how far it is below target,
// so campaigns that need the most get the most. It returns nil for an empty
// slice.
func (g *generator) pickCampaign(campaigns []*repository.Campaign) *repository.Campaign {
	if len(campaigns) == 0 {
		return nil
	}
	weights := make([]float64, len(campaigns))
	var total float64
	for i, c := range campaigns {
		// Funded campaigns keep a small weight.
		weights[i] = c.Shortfall() + 1
		total += weights[i]
	}
	g.mu.Lock()
	r := g.rng.Float64() * total
	g.mu.Unlock()
	for i, w := range weights {
		if r < w {
			return campaigns[i]
		}
		r -= w
	}
	return campaigns[len(campaigns)-1]
}

func (g *generator) donation(campaignID string) *repository.Donation {
	amount := g.amount()
	g.mu.Lock()
	defer g.mu.Unlock()
	d := &repository.Donation{
		CampaignID:    campaignID,
		Amount:        amount,
		PaymentMethod: paymentMethods[g.rng.Intn(len(paymentMethods))],
		Message:       messages[g.rng.Intn(len(messages))],
		IsSimulation:  true,
	}
	if g.rng.Float64() < anonymousShare {
		d.IsAnonymous = true
	} else {
		d.DonorName = donorNames[g.rng.Intn(len(donorNames))]
	}
	return d
}

func (g *generator) campaign(now time.Time) *repository.Campaign {
	g.mu.Lock()
	defer g.mu.Unlock()
	place := campaignPlaces[g.rng.Intn(len(campaignPlaces))]
	return &repository.Campaign{
		Title:        fmt.Sprintf("%s in %s", campaignSubjects[g.rng.Intn(len(campaignSubjects))], place),
		Organizer:    organizers[g.rng.Intn(len(organizers))],
		Category:     categories[g.rng.Intn(len(categories))],
		Location:     place,
		TargetAmount: targets[g.rng.Intn(len(targets))],
		EndDate:      now.Add(time.Duration(30+g.rng.Intn(60)) * 24 * time.Hour).UTC(),
		IsActive:     true,
		IsApproved:   true,
		IsSimulation: true,
	}
}
