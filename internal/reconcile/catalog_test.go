package reconcile

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CatalogCache", func() {
	var (
		db    *BoltDB
		cache *CatalogCache
	)

	BeforeEach(func() {
		db = newTestDB()
		cache = NewCatalogCache(db)
		Expect(db.SaveCategories(testClub, []Category{{Code: "TRAVEL", Label: "Travel", AccountCode: "6130"}})).To(Succeed())
	})

	It("loads a club on first use", func() {
		code, err := cache.AccountCode(testClub, "TRAVEL")
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal("6130"))
	})

	It("returns an empty code for an unknown category", func() {
		code, err := cache.AccountCode(testClub, "NOPE")
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(BeEmpty())
	})

	When("the catalog changes after loading", func() {
		BeforeEach(func() {
			_, err := cache.Categories(testClub)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.SaveCategories(testClub, []Category{{Code: "GEAR", AccountCode: "6010"}})).To(Succeed())
		})

		It("serves the cached copy until reloaded", func() {
			categories, err := cache.Categories(testClub)
			Expect(err).NotTo(HaveOccurred())
			Expect(categories[0].Code).To(Equal("TRAVEL"))

			categories, err = cache.Reload(testClub)
			Expect(err).NotTo(HaveOccurred())
			Expect(categories[0].Code).To(Equal("GEAR"))
		})

		It("reloads after invalidation", func() {
			cache.Invalidate(testClub)
			categories, err := cache.Categories(testClub)
			Expect(err).NotTo(HaveOccurred())
			Expect(categories[0].Code).To(Equal("GEAR"))
		})

		It("reloads after Clear", func() {
			cache.Clear()
			categories, err := cache.Categories(testClub)
			Expect(err).NotTo(HaveOccurred())
			Expect(categories[0].Code).To(Equal("GEAR"))
		})
	})

	It("requires a club", func() {
		_, err := cache.Categories("")
		Expect(err).To(MatchError(ErrMissingClub))
	})
})
