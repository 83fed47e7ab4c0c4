package reconcile

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Scorer", func() {
	var (
		scorer *Scorer
		tx     *Transaction
		exp    *Expense
		result MatchCandidate
	)

	BeforeEach(func() {
		scorer = NewScorer(DefaultRules())
		tx = newTransaction("tx-1", "-45.00", "DUPONT JEAN", day(2024, 3, 10), "")
		exp = newExpense("exp-1", "45.00", "Jean Dupont", "Train Bruxelles", day(2024, 3, 8), day(2024, 3, 8))
	})

	JustBeforeEach(func() {
		result = scorer.Score(tx, exp)
	})

	When("amount, name and date agree", func() {
		It("scores above the auto-link threshold", func() {
			Expect(result.Confidence).To(BeNumerically(">=", DefaultRules().AutoLinkThreshold))
		})

		It("gives full name credit regardless of token order", func() {
			Expect(result.Breakdown.NameSimilarity).To(Equal(1.0))
		})

		It("counts the days between execution and request", func() {
			Expect(result.Breakdown.DaysApart).To(Equal(2))
		})

		It("explains the score", func() {
			Expect(result.Reason).To(ContainSubstring("amount 45.00 matches"))
			Expect(result.Reason).To(ContainSubstring("2 days apart"))
		})
	})

	When("the amounts differ by more than the tolerance", func() {
		BeforeEach(func() {
			exp = newExpense("exp-1", "45.02", "Jean Dupont", "", day(2024, 3, 8), day(2024, 3, 8))
		})

		It("scores zero whatever the other factors", func() {
			Expect(result.Confidence).To(BeZero())
			Expect(result.Reason).To(ContainSubstring("amount differs"))
		})
	})

	When("the amounts differ by exactly the tolerance", func() {
		BeforeEach(func() {
			exp = newExpense("exp-1", "45.01", "Jean Dupont", "", day(2024, 3, 8), day(2024, 3, 8))
		})

		It("still counts the amount", func() {
			Expect(result.Breakdown.Amount).To(Equal(50.0))
		})
	})

	When("the dates are outside the window", func() {
		BeforeEach(func() {
			tx = newTransaction("tx-1", "-45.00", "DUPONT JEAN", day(2024, 8, 1), "")
		})

		It("gives no date credit", func() {
			Expect(result.Breakdown.Date).To(BeZero())
		})
	})

	When("the communication shares keywords with the description", func() {
		BeforeEach(func() {
			tx = newTransaction("tx-1", "-45.00", "SNCB", day(2024, 3, 10), "Remboursement train Bruxelles")
		})

		It("credits the overlap", func() {
			Expect(result.Breakdown.SharedKeywords).To(ConsistOf("bruxelles", "train"))
			Expect(result.Breakdown.Description).To(Equal(10.0))
		})
	})

	It("normalizes to a 0-100 confidence", func() {
		Expect(result.Confidence).To(BeNumerically("~", 89.67, 0.001))
	})

	When("the rules were never set", func() {
		BeforeEach(func() {
			scorer = NewScorer(Rules{})
		})

		It("scores with the default rubric", func() {
			Expect(result.Confidence).To(BeNumerically("~", 89.67, 0.001))
		})
	})

	When("the rules are unusable", func() {
		BeforeEach(func() {
			rules := DefaultRules()
			rules.DateWindowDays = 0
			scorer = NewScorer(rules)
		})

		It("scores with the default rubric", func() {
			Expect(result.Confidence).To(BeNumerically("~", 89.67, 0.001))
			Expect(result.Breakdown.Date).To(BeNumerically(">", 0))
		})
	})
})

var _ = DescribeTable("nameSimilarity",
	func(counterparty, requester string, expected float64) {
		Expect(nameSimilarity(counterparty, requester)).To(BeNumerically("~", expected, 0.01))
	},
	Entry("reversed tokens", "DUPONT JEAN", "Jean Dupont", 1.0),
	Entry("accents and case", "MULLER HELENE", "Hélène Müller", 1.0),
	Entry("title prefix", "M. DUPONT JEAN", "Jean Dupont", 1.0),
	Entry("glued name", "JEANDUPONT", "Jean Dupont", 0.9),
	Entry("surname only", "J DUPONT", "Jean Dupont", 0.5),
	Entry("unrelated", "LEROY MARIE", "Jean Dupont", 0.0),
	Entry("empty counterparty", "", "Jean Dupont", 0.0),
)

var _ = Describe("keywordOverlap", func() {
	It("ignores stopwords and short tokens", func() {
		shared, ratio := keywordOverlap("Remboursement frais de la", "frais de remboursement")
		Expect(shared).To(BeEmpty())
		Expect(ratio).To(BeZero())
	})
})
