package reconcile

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/club-reconciler/internal/ai"
)

var _ = Describe("Service", func() {
	var (
		db       *BoltDB
		serveDB  DB
		storage  *mockStorage
		provider *mockProvider
		noAI     bool
		aiConfig ai.Config
		clock    *mockTimeSource
		service  *Service
	)

	BeforeEach(func() {
		db = newTestDB()
		serveDB = db
		storage = newMockStorage()
		provider = newMockProvider()
		noAI = false
		aiConfig = availableAI
		clock = &mockTimeSource{now: day(2025, 4, 1)}
	})

	JustBeforeEach(func() {
		var p ai.Provider = provider
		if noAI {
			p = nil
		}
		service = NewServiceWithDeps(serveDB, storage, p, ServiceConfig{Rules: DefaultRules(), AI: aiConfig}, &mockIDGenerator{}, clock)
	})

	Describe("PerformBatchMatching", func() {
		When("the service is configured without rules", func() {
			JustBeforeEach(func() {
				service = NewServiceWithDeps(serveDB, storage, nil, ServiceConfig{}, &mockIDGenerator{}, clock)
			})

			It("auto-links with the default rubric", func() {
				seed(db,
					[]*Transaction{newTransaction("tx-1", "-45.00", "DUPONT JEAN", day(2025, 3, 10), "")},
					[]*Expense{newExpense("exp-jean", "45.00", "Jean Dupont", "Train", day(2025, 3, 8), day(2025, 3, 8))},
				)
				result, err := service.PerformBatchMatching(testClub, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(candidatePairs(result.AutoLinked)).To(Equal([]string{"tx-1/exp-jean"}))
				Expect(result.AutoLinked[0].Confidence).To(BeNumerically("<=", 100))
			})
		})
	})

	Describe("ImportTransactions", func() {
		It("never rewrites a stored transaction", func() {
			seed(db, nil, []*Expense{newExpense("exp-1", "45.00", "Jean Dupont", "", day(2025, 3, 1), day(2025, 3, 1))})
			_, err := service.ImportTransactions(testClub, []*Transaction{
				newTransaction("tx-1", "-45.00", "DUPONT JEAN", day(2025, 3, 10), "first"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(service.LinkManually(testClub, "tx-1", "exp-1")).To(Succeed())

			count, err := service.ImportTransactions(testClub, []*Transaction{
				newTransaction("tx-1", "-99.00", "SOMEONE ELSE", day(2025, 3, 11), "corrected"),
				newTransaction("tx-2", "-10.00", "SHOP", day(2025, 3, 12), ""),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))

			t := mustTransaction(db, "tx-1")
			Expect(t.Amount.StringFixed(2)).To(Equal("-45.00"))
			Expect(t.CounterpartyName).To(Equal("DUPONT JEAN"))
			Expect(t.Communication).To(Equal("first"))
			Expect(t.MatchedEntities).To(HaveLen(1))
			Expect(t.Reconciled).To(BeTrue())
			Expect(mustTransaction(db, "tx-2").Amount.StringFixed(2)).To(Equal("-10.00"))
		})

		It("counts an identical re-import as nothing added", func() {
			line := newTransaction("tx-1", "-45.00", "DUPONT JEAN", day(2025, 3, 10), "first")
			_, err := service.ImportTransactions(testClub, []*Transaction{line})
			Expect(err).NotTo(HaveOccurred())

			count, err := service.ImportTransactions(testClub, []*Transaction{
				newTransaction("tx-1", "-45.00", "DUPONT JEAN", day(2025, 3, 10), "first"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeZero())
		})

		It("generates missing IDs", func() {
			t := newTransaction("", "-5.00", "SHOP", day(2025, 3, 10), "")
			_, err := service.ImportTransactions(testClub, []*Transaction{t})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.ID).To(Equal("id-1"))
		})
	})

	Describe("CreateExpense", func() {
		BeforeEach(func() {
			Expect(db.SaveCategories(testClub, []Category{{Code: "TRAVEL", AccountCode: "6130"}})).To(Succeed())
		})

		It("fills the account code from the catalog and drops any incoming link", func() {
			e := newExpense("", "12.00", "Jean Dupont", "Bus", day(2025, 3, 1), day(2025, 3, 1))
			e.Category = "TRAVEL"
			e.Status = ""
			e.TransactionID = "tx-forged"

			created, err := service.CreateExpense(testClub, e)
			Expect(err).NotTo(HaveOccurred())
			Expect(created.ID).To(Equal("id-1"))
			Expect(created.AccountCode).To(Equal("6130"))
			Expect(created.Status).To(Equal(ExpensePending))
			Expect(mustExpense(db, "id-1").TransactionID).To(BeEmpty())
		})

		It("rejects a negative amount", func() {
			_, err := service.CreateExpense(testClub, newExpense("", "-1", "A", "", day(2025, 3, 1), day(2025, 3, 1)))
			Expect(errors.Is(err, ErrInvalidExpense)).To(BeTrue())
		})
	})

	Describe("ImportDocument", func() {
		var (
			file   UploadedFile
			force  bool
			result *DocumentImport
			err    error
		)

		BeforeEach(func() {
			force = false
			file = UploadedFile{Filename: "ticket.jpg", ContentType: "image/jpeg", Data: []byte("jpeg bytes")}
		})

		JustBeforeEach(func() {
			result, err = service.ImportDocument(context.Background(), testClub, file, force)
		})

		When("the filename carries a known sequence", func() {
			BeforeEach(func() {
				t := newTransaction("tx-seq", "-45.00", "IMPRIMERIE MARTIN", day(2025, 3, 10), "Facture imprimerie")
				t.Sequence = "00302-00312"
				seed(db, []*Transaction{t}, nil)
				file = UploadedFile{Filename: "2025-00302-00312_facture.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}
			})

			It("pre-fills the expense from the transaction", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Expense.Amount.Equal(decimal.RequireFromString("45"))).To(BeTrue())
				Expect(result.Expense.RequestedDate).To(BeTemporally("==", day(2025, 3, 10)))
				Expect(result.Expense.Description).To(Equal("Facture imprimerie"))
			})

			It("links the pair automatically with the sequence as provenance", func() {
				Expect(result.Linked).To(BeTrue())
				e := mustExpense(db, result.Expense.ID)
				Expect(e.TransactionID).To(Equal("tx-seq"))
				Expect(e.AutoLinked).To(BeTrue())
				Expect(e.LinkProvenance).To(Equal("sequence:2025-00302-00312"))
				Expect(mustTransaction(db, "tx-seq").MatchedEntities).To(HaveLen(1))
			})

			It("does not ask the AI scanner", func() {
				Expect(provider.scanCalls).To(BeZero())
			})

			It("stores the document under the club with the sequence intact", func() {
				Expect(storage.files).To(HaveKey("club-1/id-1_2025-00302-00312_facture.pdf"))
				Expect(result.Expense.Documents[0].Hash).To(Equal(Fingerprint([]byte("%PDF"))))
			})
		})

		When("there is no sequence and the scanner reads the document", func() {
			It("pre-fills the draft for review", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Scanned).To(BeTrue())
				Expect(result.Linked).To(BeFalse())
				Expect(result.Expense.Description).To(Equal("Imprimerie Martin"))
				Expect(result.Expense.Amount.Equal(decimal.RequireFromString("25.99"))).To(BeTrue())
				Expect(result.Expense.RequestedDate).To(BeTemporally("==", day(2024, 1, 15)))
			})
		})

		When("the scanner fails", func() {
			BeforeEach(func() {
				provider.scanErr = errors.New("quota exceeded")
			})

			It("still creates an empty draft", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Scanned).To(BeFalse())
				Expect(result.Expense.Amount.IsZero()).To(BeTrue())
				Expect(mustExpense(db, result.Expense.ID).Status).To(Equal(ExpensePending))
			})
		})

		When("no AI provider is configured", func() {
			BeforeEach(func() {
				noAI = true
			})

			It("creates an empty draft", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Scanned).To(BeFalse())
				Expect(provider.scanCalls).To(BeZero())
			})
		})

		When("storage fails", func() {
			BeforeEach(func() {
				storage.saveErr = errors.New("read-only")
			})

			It("creates nothing", func() {
				Expect(err).To(MatchError(ContainSubstring("read-only")))
				Expect(db.ListExpenses(testClub)).To(BeEmpty())
			})
		})

		When("saving the expense fails", func() {
			BeforeEach(func() {
				serveDB = &failingDB{DB: db, saveExpenseErr: errors.New("disk full")}
			})

			It("removes the stored file", func() {
				Expect(err).To(MatchError(ContainSubstring("disk full")))
				Expect(storage.files).To(BeEmpty())
			})
		})
	})

	Describe("duplicate documents", func() {
		var (
			original UploadedFile
			copied   UploadedFile
		)

		BeforeEach(func() {
			original = UploadedFile{Filename: "invoice.pdf", ContentType: "application/pdf", Data: []byte("same bytes")}
			copied = UploadedFile{Filename: "invoice_copy.pdf", ContentType: "application/pdf", Data: []byte("same bytes")}
		})

		It("flags the second file of a batch", func() {
			analysis, err := service.AnalyzeDocuments(testClub, []UploadedFile{original, copied})
			Expect(err).NotTo(HaveOccurred())
			Expect(analysis["invoice.pdf"].DuplicateInBatch).To(BeFalse())
			Expect(analysis["invoice_copy.pdf"].DuplicateInBatch).To(BeTrue())
		})

		When("the first file was imported", func() {
			var first *DocumentImport

			JustBeforeEach(func() {
				var err error
				first, err = service.ImportDocument(context.Background(), testClub, original, false)
				Expect(err).NotTo(HaveOccurred())
			})

			It("refuses the copy", func() {
				_, err := service.ImportDocument(context.Background(), testClub, copied, false)
				Expect(errors.Is(err, ErrDuplicateDocument)).To(BeTrue())
				Expect(db.ListExpenses(testClub)).To(HaveLen(1))
			})

			It("accepts the copy when forced", func() {
				forced, err := service.ImportDocument(context.Background(), testClub, copied, true)
				Expect(err).NotTo(HaveOccurred())
				Expect(forced.Duplicate).To(BeTrue())
				Expect(db.ListExpenses(testClub)).To(HaveLen(2))
			})

			It("reports the existing expense on analysis", func() {
				analysis, err := service.AnalyzeDocuments(testClub, []UploadedFile{copied})
				Expect(err).NotTo(HaveOccurred())
				Expect(analysis["invoice_copy.pdf"].IsDuplicate).To(BeTrue())
				Expect(analysis["invoice_copy.pdf"].ExistingExpense).To(Equal(first.Expense.ID))
			})
		})
	})

	Describe("SequencePrePass", func() {
		BeforeEach(func() {
			t := newTransaction("tx-seq", "-45.00", "IMPRIMERIE MARTIN", day(2025, 3, 10), "")
			t.Sequence = "2025-00302-00312"
			e := newExpense("exp-1", "45.00", "Jean Dupont", "Affiches", day(2025, 3, 1), day(2025, 3, 1))
			e.Documents = []JustificationDocument{{Filename: "2025-00302-00312_facture.pdf"}}
			seed(db, []*Transaction{t}, []*Expense{e})
		})

		It("links expenses whose documents name a statement line", func() {
			links, err := service.SequencePrePass(testClub)
			Expect(err).NotTo(HaveOccurred())
			Expect(links).To(Equal([]SequenceLink{{ExpenseID: "exp-1", TransactionID: "tx-seq", Sequence: "2025-00302-00312"}}))
			Expect(mustExpense(db, "exp-1").LinkProvenance).To(Equal("sequence:2025-00302-00312"))
		})

		It("does nothing the second time", func() {
			_, err := service.SequencePrePass(testClub)
			Expect(err).NotTo(HaveOccurred())
			links, err := service.SequencePrePass(testClub)
			Expect(err).NotTo(HaveOccurred())
			Expect(links).To(BeEmpty())
		})
	})

	Describe("AI match decisions", func() {
		var match *AIMatch

		BeforeEach(func() {
			seed(db,
				[]*Transaction{
					newTransaction("tx-a", "-45.00", "DUPONT JEAN", day(2025, 3, 10), ""),
					newTransaction("tx-b", "-45.00", "DUPONT J", day(2025, 3, 20), ""),
				},
				[]*Expense{newExpense("exp-1", "45.00", "Jean Dupont", "Train", day(2025, 3, 8), day(2025, 3, 8))},
			)
		})

		JustBeforeEach(func() {
			var err error
			match, err = service.matches.CreateMatch(testClub, "tx-a", "exp-1", 80, "same amount", "bot")
			Expect(err).NotTo(HaveOccurred())
		})

		Describe("ValidateAIMatch", func() {
			It("validates and links in one step", func() {
				validated, err := service.ValidateAIMatch(testClub, match.ID, "alice")
				Expect(err).NotTo(HaveOccurred())
				Expect(validated.Status).To(Equal(MatchValidated))
				Expect(validated.ValidatedBy).To(Equal("alice"))

				e := mustExpense(db, "exp-1")
				Expect(e.TransactionID).To(Equal("tx-a"))
				Expect(e.LinkProvenance).To(Equal("ai:" + match.ID))
				Expect(e.AutoLinked).To(BeFalse())
			})

			It("leaves the match pending when the link cannot be made", func() {
				Expect(db.DeleteExpense(testClub, "exp-1")).To(Succeed())
				_, err := service.ValidateAIMatch(testClub, match.ID, "alice")
				Expect(errors.Is(err, ErrNotFound)).To(BeTrue())

				stored, getErr := service.GetMatch(testClub, match.ID)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(stored.Status).To(Equal(MatchPending))
			})
		})

		When("the match was rejected", func() {
			JustBeforeEach(func() {
				_, err := service.RejectAIMatch(testClub, match.ID, "alice")
				Expect(err).NotTo(HaveOccurred())
			})

			It("cannot be validated and the pair stays unlinked", func() {
				_, err := service.ValidateAIMatch(testClub, match.ID, "bob")
				Expect(errors.Is(err, ErrMatchFinalized)).To(BeTrue())
				Expect(mustExpense(db, "exp-1").IsLinked()).To(BeFalse())
				Expect(mustTransaction(db, "tx-a").IsLinked()).To(BeFalse())
			})

			It("cannot be reassigned", func() {
				_, err := service.ReassignAIMatch(testClub, match.ID, "tx-b", "bob")
				Expect(errors.Is(err, ErrMatchFinalized)).To(BeTrue())
				Expect(mustExpense(db, "exp-1").IsLinked()).To(BeFalse())
			})
		})

		Describe("ReassignAIMatch", func() {
			JustBeforeEach(func() {
				Expect(service.LinkManually(testClub, "tx-a", "exp-1")).To(Succeed())
			})

			It("moves the expense to the chosen transaction only", func() {
				rejected, err := service.ReassignAIMatch(testClub, match.ID, "tx-b", "alice")
				Expect(err).NotTo(HaveOccurred())
				Expect(rejected.Status).To(Equal(MatchRejected))

				Expect(mustExpense(db, "exp-1").TransactionID).To(Equal("tx-b"))
				Expect(mustTransaction(db, "tx-b").MatchedEntities).To(HaveLen(1))
				a := mustTransaction(db, "tx-a")
				Expect(a.MatchedEntities).To(BeEmpty())
				Expect(a.Reconciled).To(BeFalse())
			})
		})

		It("lists and counts matches", func() {
			matches, err := service.ListMatches(testClub, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(matches).To(HaveLen(1))

			stats, err := service.MatchStats(testClub)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Pending).To(Equal(1))
		})
	})

	Describe("RunHybrid", func() {
		BeforeEach(func() {
			seed(db,
				[]*Transaction{
					newTransaction("tx-1", "-45.00", "DUPONT JEAN", day(2025, 3, 10), ""),
					newTransaction("tx-x", "-60.00", "ACME SPORTS", day(2025, 3, 12), "order 5512"),
				},
				[]*Expense{
					newExpense("exp-jean", "45.00", "Jean Dupont", "Train", day(2025, 3, 8), day(2025, 3, 8)),
					newExpense("exp-x", "60.00", "Paul Martin", "Ballons", day(2024, 10, 1), day(2024, 10, 1)),
				},
			)
		})

		It("hands only what the rubric left unmatched to the AI", func() {
			result, err := service.RunHybrid(context.Background(), testClub, "alice", 5, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(candidatePairs(result.Batch.Suggested)).To(Equal([]string{"tx-1/exp-jean"}))
			Expect(provider.requestedTransactions()).To(Equal([]string{"tx-x"}))
			Expect(result.AI.Proposed).To(Equal(1))
			Expect(result.AI.Matches[0].ExpenseID).To(Equal("exp-x"))
		})

		It("links nothing", func() {
			_, err := service.RunHybrid(context.Background(), testClub, "alice", 5, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(mustExpense(db, "exp-jean").IsLinked()).To(BeFalse())
			Expect(mustExpense(db, "exp-x").IsLinked()).To(BeFalse())
		})

		When("no AI credential is configured", func() {
			BeforeEach(func() {
				aiConfig = ai.Config{Provider: ai.ProviderGemini}
			})

			It("fails before running anything", func() {
				Expect(service.AIAvailable()).To(BeFalse())
				_, err := service.RunHybrid(context.Background(), testClub, "alice", 5, nil)
				Expect(err).To(MatchError(ErrAIUnavailable))
				Expect(provider.requests).To(BeEmpty())
			})
		})

		It("rejects a non-positive limit", func() {
			_, err := service.RunHybrid(context.Background(), testClub, "alice", 0, nil)
			Expect(errors.Is(err, ErrInvalidLimit)).To(BeTrue())
		})

		It("refuses a second run for the same club", func() {
			unlock, err := service.lockRun(testClub)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.RunHybrid(context.Background(), testClub, "alice", 5, nil)
			Expect(err).To(MatchError(ErrRunInProgress))
			_, err = service.PerformBatchMatching(testClub, false)
			Expect(err).To(MatchError(ErrRunInProgress))

			unlock()
			_, err = service.PerformBatchMatching(testClub, false)
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
