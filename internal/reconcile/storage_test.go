package reconcile

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		baseDir string
		storage *LocalStorage
	)

	BeforeEach(func() {
		baseDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(baseDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		It("creates the club directory and returns a relative path", func() {
			path, err := storage.Save("club-1/id_ticket.pdf", []byte("pdf"))
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal("club-1/id_ticket.pdf"))
			Expect(filepath.Join(baseDir, "club-1", "id_ticket.pdf")).To(BeAnExistingFile())
		})

		It("refuses paths leaving the base directory", func() {
			_, err := storage.Save("../escape.pdf", []byte("x"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Get and Delete", func() {
		BeforeEach(func() {
			_, err := storage.Save("club-1/a.pdf", []byte("content"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("reads the stored bytes", func() {
			Expect(storage.Get("club-1/a.pdf")).To(Equal([]byte("content")))
		})

		It("removes the file", func() {
			Expect(storage.Delete("club-1/a.pdf")).To(Succeed())
			_, err := os.Stat(filepath.Join(baseDir, "club-1", "a.pdf"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("fails for a missing file", func() {
			_, err := storage.Get("club-1/missing.pdf")
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = DescribeTable("sanitizeFilename",
	func(input, expected string) {
		Expect(sanitizeFilename(input)).To(Equal(expected))
	},
	Entry("keeps the sequence token", "2025-00302-00312_facture.pdf", "2025-00302-00312_facture.pdf"),
	Entry("strips special characters", "Reçu (copie) #2.PDF", "Reu copie 2.pdf"),
	Entry("falls back to a default name", "###.jpg", "document.jpg"),
	Entry("drops an empty extension", "scan", "scan"),
)
