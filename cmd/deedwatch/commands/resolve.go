package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"deedwatch/internal/address"
	"deedwatch/internal/doctext"
	"deedwatch/lib/serviceutil"
)

var resolvePages *int

func init() {
	resolvePages = resolveCmd.Flags().Int("pages", 3, "How many pages to OCR when the document has no text layer.")
	rootCmd.AddCommand(resolveCmd)
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <path/to/notice.pdf|notice.txt>",
	Short: "Runs address extraction on a local document and prints what it finds.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			serviceutil.Fatal("failed to read document", err)
		}

		text := string(raw)
		source := "file"
		if strings.HasSuffix(strings.ToLower(args[0]), ".pdf") {
			extractor := doctext.NewExtractor(doctext.Options{Pages: *resolvePages})
			var src doctext.Source
			text, src, err = extractor.Extract(cmd.Context(), raw)
			if err != nil {
				serviceutil.Fatal("failed to extract document text", err)
			}
			source = string(src)
		}

		res := address.NewResolver(nil).Resolve(text)
		fmt.Println("text source:", source)
		if !res.Found {
			fmt.Println("no address found, document starts with:")
			fmt.Println(res.Snippet)
			return
		}
		fmt.Println("marker:     ", res.Marker)
		fmt.Println("street:     ", res.Street)
		fmt.Printf("city/st/zip: %s, %s %s\n", res.City, res.State, res.Zip)
		if res.Fallback {
			fmt.Println("(matched by whole-document scan, low confidence)")
		}
		fmt.Println("numbered:   ", address.HouseNumbered(res.Street))
	},
}
