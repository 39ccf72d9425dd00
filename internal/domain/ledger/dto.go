package ledger

// EnrollRequest for POST /customers
type EnrollRequest struct {
	Name  string `json:"name" validate:"required,notblank,max=100"`
	Phone string `json:"phone" validate:"required,phone"`
}

// PhoneRequest for POST /lookup and POST /me/link
type PhoneRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
}

// PublicCard is what an unauthenticated lookup may see: progress only,
// no identifiers or contact details.
type PublicCard struct {
	Name            string `json:"name"`
	Points          int    `json:"points"`
	FreeRewards     int    `json:"free_rewards"`
	RewardReady     bool   `json:"reward_ready"`
	Remaining       int    `json:"remaining"`
	Stamps          int    `json:"stamps"`
	ProgressPercent int    `json:"progress_percent"`
}

// PublicCardOf builds the lookup view. Only the first name is shown.
func PublicCardOf(c Customer) PublicCard {
	card := CardOf(c)
	return PublicCard{
		Name:            firstName(c.Name),
		Points:          card.Points,
		FreeRewards:     card.FreeRewards,
		RewardReady:     card.RewardReady,
		Remaining:       card.Remaining,
		Stamps:          card.Stamps,
		ProgressPercent: card.ProgressPercent,
	}
}

func firstName(name string) string {
	for i, r := range name {
		if r == ' ' {
			return name[:i]
		}
	}
	return name
}

// CardsOf maps records to display cards
func CardsOf(customers []Customer) []Card {
	cards := make([]Card, 0, len(customers))
	for _, c := range customers {
		cards = append(cards, CardOf(c))
	}
	return cards
}
