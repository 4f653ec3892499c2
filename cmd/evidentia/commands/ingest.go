package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/evidentia/evidentia/errors"
	"github.com/evidentia/evidentia/rawstore"
)

// IngestCmd represents the ingest command
var IngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit and inspect raw evidence",
	Long: `Submit evidence files into the immutable raw store and inspect
ingestion manifests.

Examples:
  evidentia ingest submit awards.csv --source grants-portal
  evidentia ingest status 4f1c...        # Manifest for a bundle
  evidentia ingest ls                    # Recent manifests
  evidentia ingest versions grants-portal awards.csv`,
}

var (
	ingestSourceFlag      string
	ingestNameFlag        string
	ingestContentTypeFlag string
	ingestBundleFlag      string
	ingestLimitFlag       int
)

var ingestSubmitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Store a file as immutable raw evidence",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestSubmit,
}

var ingestStatusCmd = &cobra.Command{
	Use:   "status <bundle-id>",
	Short: "Show the manifest for an ingestion bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestStatus,
}

var ingestLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent ingestion manifests",
	RunE:  runIngestLs,
}

var ingestVersionsCmd = &cobra.Command{
	Use:   "versions <source> <name>",
	Short: "List stored versions of a logical source",
	Args:  cobra.ExactArgs(2),
	RunE:  runIngestVersions,
}

func init() {
	ingestSubmitCmd.Flags().StringVar(&ingestSourceFlag, "source", "", "Source system label (required)")
	ingestSubmitCmd.Flags().StringVar(&ingestNameFlag, "name", "", "Logical name (defaults to the file name)")
	ingestSubmitCmd.Flags().StringVar(&ingestContentTypeFlag, "content-type", "", "Content type (inferred from extension when empty)")
	ingestSubmitCmd.Flags().StringVar(&ingestBundleFlag, "bundle", "", "Bundle ID (generated when empty)")
	ingestSubmitCmd.MarkFlagRequired("source")
	ingestLsCmd.Flags().IntVar(&ingestLimitFlag, "limit", 20, "Number of manifests to show")

	IngestCmd.AddCommand(ingestSubmitCmd)
	IngestCmd.AddCommand(ingestStatusCmd)
	IngestCmd.AddCommand(ingestLsCmd)
	IngestCmd.AddCommand(ingestVersionsCmd)
}

func runIngestSubmit(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", args[0])
	}

	name := ingestNameFlag
	if name == "" {
		name = filepath.Base(args[0])
	}
	contentType := ingestContentTypeFlag
	if contentType == "" {
		if strings.EqualFold(filepath.Ext(name), ".csv") {
			contentType = "text/csv"
		} else {
			contentType = "application/octet-stream"
		}
	}

	obj, err := env.raw.SubmitEvidence(cmd.Context(), ingestBundleFlag, data, rawstore.Metadata{
		ContentType: contentType,
		SourceLabel: ingestSourceFlag,
		LogicalName: name,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Stored %s/%s version %d\n", obj.SourceLabel, obj.LogicalName, obj.Version)
	fmt.Printf("  object: %s\n", obj.ID)
	fmt.Printf("  digest: %s\n", obj.Digest)
	fmt.Printf("  size:   %d bytes\n", obj.Size)
	return nil
}

func runIngestStatus(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	m, err := env.raw.ManifestStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Bundle %s: %s\n", m.BundleID, m.State)
	if m.ObjectID != "" {
		fmt.Printf("  object: %s\n", m.ObjectID)
	}
	if m.ErrorDetail != "" {
		fmt.Printf("  error:  %s\n", m.ErrorDetail)
	}
	return nil
}

func runIngestLs(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	manifests, err := env.raw.ListManifests(cmd.Context(), ingestLimitFlag)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Println("No ingestion manifests")
		return nil
	}
	for _, m := range manifests {
		fmt.Printf("%s  %-7s  %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.State, m.BundleID)
	}
	return nil
}

func runIngestVersions(cmd *cobra.Command, args []string) error {
	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	versions, err := env.raw.Versions(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Printf("No versions of %s/%s\n", args[0], args[1])
		return nil
	}
	for _, v := range versions {
		status := ""
		if v.Corrupt {
			status = "  CORRUPT"
		}
		fmt.Printf("v%-3d %s  %s  %d bytes%s\n", v.Version, v.ID, v.Digest[:12], v.Size, status)
	}
	return nil
}
