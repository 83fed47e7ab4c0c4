package reconcile

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LoadRules", func() {
	var (
		path  string
		rules Rules
		err   error
	)

	writeRules := func(content string) {
		path = filepath.Join(GinkgoT().TempDir(), "rules.yaml")
		Expect(os.WriteFile(path, []byte(content), 0644)).To(Succeed())
	}

	JustBeforeEach(func() {
		rules, err = LoadRules(path)
	})

	When("no file is given", func() {
		BeforeEach(func() {
			path = ""
		})

		It("returns the defaults", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(Equal(DefaultRules()))
		})
	})

	When("the file overrides some keys", func() {
		BeforeEach(func() {
			GinkgoT().Setenv("TEST_AUTO_LINK", "92")
			writeRules("auto_link_threshold: ${TEST_AUTO_LINK}\ndate_window_days: 60\n")
		})

		It("expands the environment and keeps the other defaults", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(rules.AutoLinkThreshold).To(Equal(92.0))
			Expect(rules.DateWindowDays).To(Equal(60))
			Expect(rules.AmountWeight).To(Equal(50.0))
		})
	})

	When("the thresholds are inverted", func() {
		BeforeEach(func() {
			writeRules("auto_link_threshold: 50\nsuggest_threshold: 70\n")
		})

		It("fails validation", func() {
			Expect(err).To(MatchError(ContainSubstring("thresholds")))
		})
	})

	When("the file does not exist", func() {
		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "missing.yaml")
		})

		It("returns an error", func() {
			Expect(err).To(HaveOccurred())
		})
	})
})
