package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/erc7824/nitrolite/custodian/pkg/ca"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// CatalogFile describes a catalog offline.
//
//	chain_id: 1
//	custody_address: "0x..."
//	actions:
//	  - type: custodyToAddress
//	    state: 0
//	    args: {receiver: "0x..."}
//	    parties: [{parity: 0, x: "0x..."}]
//
// Integer literals in args keep their exact text, so uint256 values wider
// than 64 bits may be written unquoted.
type CatalogFile struct {
	ChainID        uint64              `yaml:"chain_id"`
	CustodyAddress string              `yaml:"custody_address"`
	Actions        []CatalogFileAction `yaml:"actions"`
}

type CatalogFileAction struct {
	Type    string             `yaml:"type"`
	State   uint64             `yaml:"state"`
	Args    yaml.Node          `yaml:"args"`
	Parties []CatalogFileParty `yaml:"parties"`
}

type CatalogFileParty struct {
	Parity uint8  `yaml:"parity"`
	X      string `yaml:"x"`
}

type CatalogReport struct {
	ChainID        uint64                `json:"chain_id"`
	CustodyAddress string                `json:"custody_address"`
	CustodyID      string                `json:"custody_id"`
	Actions        []CatalogReportAction `json:"actions"`
}

type CatalogReportAction struct {
	ActionResponse
	Proofs [][]string `json:"proofs"`
}

func loadCatalogFile(r io.Reader) (*ca.Catalog, error) {
	var file CatalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode catalog file: %w", err)
	}
	if !contractAddressRegex.MatchString(file.CustodyAddress) {
		return nil, fmt.Errorf("invalid custody_address: %q", file.CustodyAddress)
	}

	catalog := ca.NewCatalog(file.ChainID, common.HexToAddress(file.CustodyAddress))
	for i, a := range file.Actions {
		t, err := ca.ParseActionType(a.Type)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		parties := make([]ca.Party, 0, len(a.Parties))
		for j, p := range a.Parties {
			x, err := hexutil.Decode(p.X)
			if err != nil {
				return nil, fmt.Errorf("action %d party %d: invalid x: %w", i, j, err)
			}
			party, err := ca.NewParty(p.Parity, x)
			if err != nil {
				return nil, fmt.Errorf("action %d party %d: %w", i, j, err)
			}
			parties = append(parties, party)
		}
		args, err := yamlArgs(&a.Args)
		if err != nil {
			return nil, fmt.Errorf("action %d: invalid args: %w", i, err)
		}
		if _, err := catalog.AppendMap(t, args, a.State, parties...); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
	}
	return catalog, nil
}

var yamlIntegerLiteral = regexp.MustCompile(`^[-+]?([0-9][0-9_]*|0[xX][0-9a-fA-F_]+)$`)

// yamlArgs decodes an args mapping. An absent mapping yields nil args.
func yamlArgs(node *yaml.Node) (map[string]any, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	v, err := yamlValue(node)
	if err != nil {
		return nil, err
	}
	args, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a mapping at line %d", node.Line)
	}
	return args, nil
}

// yamlValue decodes node like yaml.v3 does, except that plain integer
// scalars stay decimal or hex strings instead of overflowing into floats.
func yamlValue(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return yamlValue(node.Content[0])
	case yaml.AliasNode:
		return yamlValue(node.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := yamlValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			v, err := yamlValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[node.Content[i].Value] = v
		}
		return out, nil
	case yaml.ScalarNode:
		if node.Style == 0 && (node.Tag == "!!int" || node.Tag == "!!float") && yamlIntegerLiteral.MatchString(node.Value) {
			return strings.TrimPrefix(strings.ReplaceAll(node.Value, "_", ""), "+"), nil
		}
	}
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// buildCatalogReport lists the custody ID and the proof of every leaf.
func buildCatalogReport(catalog *ca.Catalog) (CatalogReport, error) {
	report := CatalogReport{
		ChainID:        catalog.ChainID(),
		CustodyAddress: catalog.CustodyAddress().Hex(),
		Actions:        []CatalogReportAction{},
	}
	if catalog.Len() == 0 {
		return report, nil
	}

	root, err := catalog.CustodyID()
	if err != nil {
		return CatalogReport{}, err
	}
	report.CustodyID = root.Hex()

	for i, a := range catalog.Actions() {
		entry, err := newActionResponse(i, a)
		if err != nil {
			return CatalogReport{}, err
		}
		action := CatalogReportAction{ActionResponse: entry, Proofs: make([][]string, 0, len(a.Parties))}
		for p := range a.Parties {
			proof, err := catalog.LeafProof(i, p)
			if err != nil {
				return CatalogReport{}, err
			}
			action.Proofs = append(action.Proofs, hashesToStrings(proof))
		}
		report.Actions = append(report.Actions, action)
	}
	return report, nil
}

func newCustodyIDCmd(logger Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "custody-id <file.yaml>",
		Short: "Compute the custody ID and proofs of a catalog file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logger.NewSystem("custody-id")

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open catalog file: %w", err)
			}
			defer f.Close()

			catalog, err := loadCatalogFile(f)
			if err != nil {
				return err
			}
			report, err := buildCatalogReport(catalog)
			if err != nil {
				return err
			}
			logger.Debug("catalog built", "actions", catalog.Len(), "custodyID", report.CustodyID)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
