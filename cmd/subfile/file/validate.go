package file

import (
	"fmt"

	"github.com/spf13/cobra"

	"subfileExchange/pkg/file"
)

var validateVerbose bool

// validateCmd represents the file validate command
var validateCmd = &cobra.Command{
	Use:   "validate <file> <manifest>",
	Short: "Validate a local file against a manifest",
	Long: `Check every chunk of a local file against a manifest YAML file.

Each chunk is reported as valid, corrupt or missing. The command fails
when any chunk is not valid.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateFile(args[0], args[1])
	},
}

func init() {
	FileCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVarP(&validateVerbose, "verbose", "v", false, "Print the status of every chunk")
}

func validateFile(path, manifestPath string) error {
	m, err := file.ReadManifestFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	statuses, err := file.ValidateLocal(path, m)
	if err != nil {
		return fmt.Errorf("failed to validate: %w", err)
	}
	valid, corrupt, missing := file.Summarize(statuses)

	if validateVerbose {
		for i := 0; i < m.ChunkCount(); i++ {
			fmt.Printf("  chunk %d: %s\n", i, statuses[uint32(i)])
		}
	}

	fmt.Println("\n=== Validation ===")
	fmt.Printf("Content ID: %s\n", m.ContentID)
	fmt.Printf("Valid:      %d\n", len(valid))
	fmt.Printf("Corrupt:    %d %v\n", len(corrupt), corrupt)
	fmt.Printf("Missing:    %d %v\n", len(missing), missing)
	fmt.Println("==================")

	if bad := file.Incomplete(statuses); len(bad) > 0 {
		return fmt.Errorf("%d of %d chunks are not valid", len(bad), m.ChunkCount())
	}
	return nil
}
