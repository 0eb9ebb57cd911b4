package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/template"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/teemow/inboxmeet/internal/config"
	"github.com/teemow/inboxmeet/internal/resources"
	"github.com/teemow/inboxmeet/internal/server"
)

func newGenerateDocsCmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "generate-docs",
		Short: "Generate MCP tool and resource documentation",
		Long: `Generate a markdown reference of the MCP tools and resources served by
"inboxmeet serve". The reference is built from the registered tool
definitions, so it always matches the running server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerateDocs(cmd.Context(), cmd.OutOrStdout(), outputFile)
		},
	}
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
	return cmd
}

func runGenerateDocs(ctx context.Context, stdout io.Writer, outputFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Tools are only registered, never called, so no accounts are loaded.
	sc, err := server.NewServerContext(ctx, config.Default())
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() { _ = sc.Shutdown() }()

	mcpSrv := mcpserver.NewMCPServer("inboxmeet", version, mcpserver.WithToolCapabilities(true))
	if err := registerAllTools(mcpSrv, sc); err != nil {
		return err
	}

	markdown, err := toolsMarkdown(mcpSrv)
	if err != nil {
		return fmt.Errorf("failed to render documentation: %w", err)
	}
	if outputFile == "" {
		_, err := io.WriteString(stdout, markdown)
		return err
	}
	if err := os.WriteFile(outputFile, []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Documentation written to: %s\n", outputFile)
	return nil
}

// toolCategories maps a tool name prefix to its section heading, in the
// order the sections are written.
var toolCategories = []struct{ prefix, title string }{
	{"meeting", "Meeting Tools"},
	{"google", "Google Authorization Tools"},
}

const otherCategory = "Other"

type docArgument struct {
	Name        string
	Required    bool
	Description string
}

type docTool struct {
	Name        string
	Description string
	Arguments   []docArgument
}

type docSection struct {
	Title  string
	Anchor string
	Tools  []docTool
}

var docsTemplate = template.Must(template.New("docs").Parse(`# MCP Tools Reference

Reference of the tools and resources served by ` + "`inboxmeet serve`" + `.

**Note:** This documentation is automatically generated from the tool definitions.

## Table of Contents

{{range .Sections}}- [{{.Title}}](#{{.Anchor}})
{{end}}- [Resources](#resources)

## Accounts

Every tool takes an optional ` + "`account`" + ` argument naming the Google account to act on. Without it the configured default account is used. Negotiations and tracked meetings are kept per account.
{{range .Sections}}
## {{.Title}}
{{range .Tools}}
### {{.Name}}
{{with .Description}}
{{.}}
{{end}}{{if .Arguments}}
**Arguments:**
{{range .Arguments}}- ` + "`{{.Name}}`" + ` ({{if .Required}}required{{else}}optional{{end}}): {{.Description}}
{{end}}{{end}}{{end}}{{end}}
## Resources
{{range .Resources}}
### {{.Name}}

- URI: ` + "`{{.URI}}`" + `
- MIME type: ` + "`{{.MIMEType}}`" + `

{{.Description}}
{{end}}`))

// toolsMarkdown documents every tool registered on mcpSrv and the meeting
// resources.
func toolsMarkdown(mcpSrv *mcpserver.MCPServer) (string, error) {
	registered := mcpSrv.ListTools()
	tools := make([]mcp.Tool, 0, len(registered))
	for _, st := range registered {
		tools = append(tools, st.Tool)
	}

	var sb strings.Builder
	data := struct {
		Sections  []docSection
		Resources []mcp.Resource
	}{groupTools(tools), resources.Definitions()}
	if err := docsTemplate.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func groupTools(tools []mcp.Tool) []docSection {
	byTitle := make(map[string][]docTool)
	for _, tool := range tools {
		title := categoryOf(tool.Name)
		byTitle[title] = append(byTitle[title], newDocTool(tool))
	}

	var sections []docSection
	add := func(title string) {
		list, ok := byTitle[title]
		if !ok {
			return
		}
		slices.SortFunc(list, func(a, b docTool) int { return strings.Compare(a.Name, b.Name) })
		sections = append(sections, docSection{
			Title:  title,
			Anchor: strings.ToLower(strings.ReplaceAll(title, " ", "-")),
			Tools:  list,
		})
	}
	for _, c := range toolCategories {
		add(c.title)
	}
	add(otherCategory)
	return sections
}

func categoryOf(name string) string {
	prefix, _, _ := strings.Cut(name, "_")
	for _, c := range toolCategories {
		if c.prefix == prefix {
			return c.title
		}
	}
	return otherCategory
}

func newDocTool(tool mcp.Tool) docTool {
	dt := docTool{Name: tool.Name, Description: tool.Description}
	for name, raw := range tool.InputSchema.Properties {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		desc, _ := prop["description"].(string)
		if desc == "" {
			typ, _ := prop["type"].(string)
			if typ == "" {
				typ = "any"
			}
			desc = typ + " parameter"
		}
		dt.Arguments = append(dt.Arguments, docArgument{
			Name:        name,
			Required:    slices.Contains(tool.InputSchema.Required, name),
			Description: desc,
		})
	}
	slices.SortFunc(dt.Arguments, func(a, b docArgument) int { return strings.Compare(a.Name, b.Name) })
	return dt
}
