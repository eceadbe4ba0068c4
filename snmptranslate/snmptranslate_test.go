package snmptranslate

import (
	"fmt"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSNMPTranslate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SNMPTranslate Suite")
}

var _ = Describe("SNMPTranslate", func() {
	var translator Translator

	BeforeEach(func() {
		translator = New()
	})

	Describe("Translator Creation", func() {
		It("should load the built-in table", func() {
			Expect(translator.GetStats().TotalOIDs).To(Equal(len(builtin)))
		})

		It("should register extra names from config", func() {
			t, err := NewWithConfig(Config{Names: map[string]string{".1.3.6.1.4.1.99999.1": "acmeAlarm"}})
			Expect(err).NotTo(HaveOccurred())

			name, ok := t.Translate("1.3.6.1.4.1.99999.1.0")
			Expect(ok).To(BeTrue())
			Expect(name).To(Equal("acmeAlarm.0"))
		})

		It("should reject malformed OIDs in config", func() {
			_, err := NewWithConfig(Config{Names: map[string]string{"1.3.x": "broken"}})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("broken"))
		})

		It("should reject empty names in config", func() {
			_, err := NewWithConfig(Config{Names: map[string]string{"1.3.6.1.4.1.9": ""}})
			Expect(err).To(HaveOccurred())
		})

		It("should fall back to the default cache size", func() {
			t, err := NewWithConfig(Config{MaxCacheSize: -1})
			Expect(err).NotTo(HaveOccurred())
			Expect(t).NotTo(BeNil())
		})
	})

	Describe("Translation", func() {
		DescribeTable("translating well-known OIDs",
			func(oid, expected string) {
				name, ok := translator.Translate(oid)
				Expect(ok).To(BeTrue())
				Expect(name).To(Equal(expected))
			},
			Entry("coldStart", "1.3.6.1.6.3.1.1.5.1", "coldStart"),
			Entry("linkDown with leading dot", ".1.3.6.1.6.3.1.1.5.3", "linkDown"),
			Entry("sysUpTime instance", "1.3.6.1.2.1.1.3.0", "sysUpTime.0"),
			Entry("snmpTrapOID instance", "1.3.6.1.6.3.1.1.4.1.0", "snmpTrapOID.0"),
			Entry("ifIndex instance", "1.3.6.1.2.1.2.2.1.1.5", "ifIndex.5"),
			Entry("ifDescr instance", "1.3.6.1.2.1.2.2.1.2.5", "ifDescr.5"),
			Entry("ifInErrors vs ifIndex sibling", "1.3.6.1.2.1.2.2.1.14.12", "ifInErrors.12"),
			Entry("ifName", "1.3.6.1.2.1.31.1.1.1.1.3", "ifName.3"),
			Entry("lldpRemSysName row", "1.0.8802.1.1.2.1.4.1.1.9.0.5.1", "lldpRemSysName.0.5.1"),
			Entry("locIfReason", "1.3.6.1.4.1.9.2.2.1.1.20.7", "locIfReason.7"),
		)

		It("should return unknown OIDs normalized", func() {
			name, ok := translator.Translate(".1.2.3.4.5.")
			Expect(ok).To(BeFalse())
			Expect(name).To(Equal("1.2.3.4.5"))
		})

		It("should fall back to the nearest named parent", func() {
			_, ok := translator.Translate("1.3.6.1.2.1.2.2.1.100")
			Expect(ok).To(BeTrue(), "ifEntry is still a known prefix")

			name, _ := translator.Translate("1.3.6.1.2.1.2.2.1.100")
			Expect(name).To(Equal("ifEntry.100"))
		})

		It("should treat empty input as unknown", func() {
			name, ok := translator.Translate("  ")
			Expect(ok).To(BeFalse())
			Expect(name).To(BeEmpty())
		})
	})

	Describe("Batch Translation", func() {
		It("should translate multiple OIDs and omit unknown ones", func() {
			results := translator.TranslateBatch([]string{
				"1.3.6.1.6.3.1.1.5.1",
				"1.3.6.1.6.3.1.1.5.2",
				"1.2.3.4",
			})
			Expect(results).To(HaveLen(2))
			Expect(results).To(HaveKeyWithValue("1.3.6.1.6.3.1.1.5.1", "coldStart"))
			Expect(results).To(HaveKeyWithValue("1.3.6.1.6.3.1.1.5.2", "warmStart"))
			Expect(results).NotTo(HaveKey("1.2.3.4"))
		})
	})

	Describe("Adding names", func() {
		It("should override memoized translations", func() {
			name, _ := translator.Translate("1.3.6.1.4.1.9.9.41.2.0.1")
			Expect(name).To(Equal("1.3.6.1.4.1.9.9.41.2.0.1"))

			Expect(translator.Add("1.3.6.1.4.1.9.9.41.2.0.1", "clogMessageGenerated")).To(Succeed())

			name, ok := translator.Translate("1.3.6.1.4.1.9.9.41.2.0.1")
			Expect(ok).To(BeTrue())
			Expect(name).To(Equal("clogMessageGenerated"))
		})

		It("should reject empty names and bad OIDs", func() {
			Expect(translator.Add("1.3.6.1", "")).NotTo(Succeed())
			Expect(translator.Add("", "x")).NotTo(Succeed())
			Expect(translator.Add("1..3", "x")).NotTo(Succeed())
		})
	})

	Describe("Statistics", func() {
		It("should count cache hits, misses and unknown OIDs", func() {
			translator.Translate("1.3.6.1.6.3.1.1.5.1")
			translator.Translate("1.3.6.1.6.3.1.1.5.1")
			translator.Translate("1.2.3")

			stats := translator.GetStats()
			Expect(stats.CacheHits).To(Equal(int64(1)))
			Expect(stats.CacheMisses).To(Equal(int64(2)))
			Expect(stats.Unknown).To(Equal(int64(1)))
		})
	})

	Describe("Concurrency", func() {
		It("should be safe for concurrent lookups", func() {
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					name, ok := translator.Translate(fmt.Sprintf("1.3.6.1.2.1.2.2.1.1.%d", i))
					Expect(ok).To(BeTrue())
					Expect(name).To(Equal(fmt.Sprintf("ifIndex.%d", i)))
				}(i)
			}
			wg.Wait()
		})
	})
})

var _ = Describe("oidTrie", func() {
	var trie *oidTrie

	BeforeEach(func() {
		trie = newOIDTrie()
		Expect(trie.insert("1.3.6.1.6.3.1.1.5", "snmpTraps")).To(Succeed())
		Expect(trie.insert("1.3.6.1.6.3.1.1.5.1", "coldStart")).To(Succeed())
	})

	It("should prefer the longest named prefix", func() {
		name, rest, ok := trie.lookup("1.3.6.1.6.3.1.1.5.1")
		Expect(ok).To(BeTrue())
		Expect(name).To(Equal("coldStart"))
		Expect(rest).To(BeEmpty())

		name, rest, ok = trie.lookup("1.3.6.1.6.3.1.1.5.9.2")
		Expect(ok).To(BeTrue())
		Expect(name).To(Equal("snmpTraps"))
		Expect(rest).To(Equal([]string{"9", "2"}))
	})

	It("should report misses", func() {
		_, _, ok := trie.lookup("1.3.6.1.6")
		Expect(ok).To(BeFalse())
	})

	It("should count distinct names only", func() {
		Expect(trie.size).To(Equal(2))
		Expect(trie.insert("1.3.6.1.6.3.1.1.5.1", "coldStartRenamed")).To(Succeed())
		Expect(trie.size).To(Equal(2))
	})
})
