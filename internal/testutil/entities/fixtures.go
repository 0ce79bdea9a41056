package entities

import "github.com/Veraticus/merchantflow/internal/model"

// MerchantFixture is the short form of a merchant entity.
type MerchantFixture struct {
	MerchantID string
	Name       string
	Category   string
}

// BasicMerchants are merchants the default rule set knows by name.
var BasicMerchants = []MerchantFixture{
	{MerchantID: "oxxo", Name: "OXXO", Category: "convenience"},
	{MerchantID: "netflix", Name: "Netflix", Category: "subscriptions"},
	{MerchantID: "uber-rides", Name: "Uber", Category: "transportation"},
	{MerchantID: "uber-eats", Name: "Uber Eats", Category: "food-delivery"},
}

// Fixture is a named set of entities for a scenario.
type Fixture struct {
	Name     string
	Entities []*model.Entity
}

// TaxAuthorities holds the Mexican tax authority with its RFC.
var TaxAuthorities = Fixture{
	Name: "tax-authorities",
	Entities: []*model.Entity{
		{
			MerchantID:    "sat",
			CanonicalName: "SAT",
			Category:      "taxes",
			EntityType:    model.EntityTaxAuthority,
			TaxID:         "SAT970701NN3",
			Country:       "MX",
			State:         model.StateCanonical,
			Confidence:    1,
		},
	},
}

// Duplicates holds two spellings of the same shop for merge tests.
var Duplicates = Fixture{
	Name: "duplicates",
	Entities: []*model.Entity{
		{MerchantID: "farmacia-guadalajara", CanonicalName: "Farmacia Guadalajara", Category: "pharmacy", Confidence: 0.9},
		{MerchantID: "farmacia-guadalajra", CanonicalName: "Farmacia Guadalajra", Category: "pharmacy", Confidence: 0.3},
	},
}
