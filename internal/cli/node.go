package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Shakes-tzd/htmlgraph/internal/ir"
	"github.com/Shakes-tzd/htmlgraph/internal/nodestore"
	"github.com/Shakes-tzd/htmlgraph/internal/queryir"
)

// NodeOptions holds flags shared by the node subcommands.
type NodeOptions struct {
	*RootOptions
	Type       string
	Title      string
	Status     string
	Priority   string
	Track      string
	DependsOn  []string
	Blocks     []string
	Body       string
	Attributes map[string]string
	Nonce      string
}

// NewNodeCommand creates the node command group.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Create, read, update and delete work items",
	}
	cmd.AddCommand(newNodeCreateCommand(rootOpts))
	cmd.AddCommand(newNodeGetCommand(rootOpts))
	cmd.AddCommand(newNodeListCommand(rootOpts))
	cmd.AddCommand(newNodeUpdateCommand(rootOpts))
	cmd.AddCommand(newNodeDeleteCommand(rootOpts))
	return cmd
}

func newNodeCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a node",
		Long: `Create a work item and write it as an HTML document.

The id is derived from the type, title and nonce. Passing --nonce makes a
retried create return the node already written instead of a duplicate.

Examples:
  htmlgraph node create --type feature --title "Login form"
  htmlgraph node create --type bug --title "Crash on save" --priority high --depends-on feat-1a2b3c4d`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeCreate(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", string(ir.TypeFeature), "node type")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title (required)")
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status (default todo)")
	cmd.Flags().StringVarP(&opts.Priority, "priority", "p", "", "priority (default medium)")
	cmd.Flags().StringVar(&opts.Track, "track", "", "track id")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "ids this node depends on")
	cmd.Flags().StringSliceVar(&opts.Blocks, "blocks", nil, "ids this node blocks")
	cmd.Flags().StringVar(&opts.Body, "body", "", "markdown body")
	cmd.Flags().StringToStringVar(&opts.Attributes, "attr", nil, "extension attributes (key=value)")
	cmd.Flags().StringVar(&opts.Nonce, "nonce", "", "idempotency nonce")

	return cmd
}

func runNodeCreate(opts *NodeOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	w, err := opts.openWorkspace(ctx, cmd)
	if err != nil {
		return err
	}
	defer w.Close()

	n, err := w.Nodes.Create(ctx, w.Actor(), ir.NodeType(opts.Type), nodestore.Fields{
		Title:      opts.Title,
		Status:     ir.Status(opts.Status),
		Priority:   ir.Priority(opts.Priority),
		TrackID:    opts.Track,
		DependsOn:  opts.DependsOn,
		Blocks:     opts.Blocks,
		Body:       opts.Body,
		Attributes: opts.Attributes,
		Nonce:      opts.Nonce,
	})
	if err != nil {
		return storeError("failed to create node", err)
	}
	return opts.formatter(cmd).Success(n, func(out io.Writer) {
		okStyle.Fprint(out, "Created ")
		fmt.Fprintf(out, "%s %s\n", n.ID, n.Title)
	})
}

func newNodeGetCommand(rootOpts *RootOptions) *cobra.Command {
	var html bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a node",
		Long: `Show one node. --html prints the stored document instead.

Examples:
  htmlgraph node get feat-1a2b3c4d
  htmlgraph node get feat-1a2b3c4d --html > feat.html`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := rootOpts.openWorkspace(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()

			n, err := w.Nodes.Get(ctx, args[0])
			if err != nil {
				return storeError("failed to read node", err)
			}
			if html {
				if err := nodestore.RenderDocument(cmd.OutOrStdout(), n); err != nil {
					return WrapExitError(ExitCommandError, "failed to render document", err)
				}
				return nil
			}
			return rootOpts.formatter(cmd).Success(n, func(out io.Writer) { printNode(out, n) })
		},
	}
	cmd.Flags().BoolVar(&html, "html", false, "print the HTML document")
	return cmd
}

func printNode(out io.Writer, n ir.Node) {
	headingStyle.Fprintf(out, "%s\n", n.Title)
	row := func(label, value string) {
		if value == "" {
			return
		}
		labelStyle.Fprintf(out, "  %-11s", label)
		fmt.Fprintln(out, value)
	}
	row("id", n.ID)
	row("type", string(n.Type))
	labelStyle.Fprintf(out, "  %-11s", "status")
	statusStyle(n.Status).Fprintln(out, n.Status)
	row("priority", string(n.Priority))
	row("track", n.TrackID)
	row("depends on", strings.Join(n.DependsOn, ", "))
	row("blocks", strings.Join(n.Blocks, ", "))
	for _, k := range ir.SortedKeys(n.Attributes) {
		row(k, n.Attributes[k])
	}
	row("created", n.CreatedAt.Format("2006-01-02 15:04:05"))
	row("updated", n.UpdatedAt.Format("2006-01-02 15:04:05"))
	if n.Deleted {
		dimStyle.Fprintln(out, "  (deleted)")
	}
	if n.Body != "" {
		fmt.Fprintf(out, "\n%s\n", n.Body)
	}
}

// NodeListOptions holds flags for node list.
type NodeListOptions struct {
	*RootOptions
	Types          []string
	Statuses       []string
	Priority       string
	Track          string
	DependsOn      string
	IncludeDeleted bool
	Limit          int
}

func newNodeListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		Long: `List nodes ordered by id. Filters combine with AND; repeated values of
one filter combine with OR.

Examples:
  htmlgraph node list --status todo,in-progress
  htmlgraph node list --type bug --priority critical
  htmlgraph node list --depends-on feat-1a2b3c4d`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeList(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Types, "type", "t", nil, "node types")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "statuses")
	cmd.Flags().StringVarP(&opts.Priority, "priority", "p", "", "priority")
	cmd.Flags().StringVar(&opts.Track, "track", "", "track id")
	cmd.Flags().StringVar(&opts.DependsOn, "depends-on", "", "only nodes depending on this id")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "include-deleted", false, "include soft-deleted nodes")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum nodes (0 = all)")

	return cmd
}

// selector turns the list flags into a query.
func (o *NodeListOptions) selector() queryir.Select {
	var preds []queryir.Predicate
	if len(o.Types) > 0 {
		preds = append(preds, queryir.In{Field: queryir.FieldType, Values: o.Types})
	}
	if len(o.Statuses) > 0 {
		preds = append(preds, queryir.In{Field: queryir.FieldStatus, Values: o.Statuses})
	}
	if o.Priority != "" {
		preds = append(preds, queryir.Equals{Field: queryir.FieldPriority, Value: o.Priority})
	}
	if o.Track != "" {
		preds = append(preds, queryir.Equals{Field: queryir.FieldTrackID, Value: o.Track})
	}
	if o.DependsOn != "" {
		preds = append(preds, queryir.HasEdge{Kind: ir.EdgeDependsOn, To: o.DependsOn})
	}
	sel := queryir.Select{IncludeDeleted: o.IncludeDeleted, Limit: o.Limit}
	if len(preds) > 0 {
		sel.Filter = queryir.And{Predicates: preds}
	}
	return sel
}

func runNodeList(opts *NodeListOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	w, err := opts.openWorkspace(ctx, cmd)
	if err != nil {
		return err
	}
	defer w.Close()

	nodes, err := w.Nodes.Query(ctx, opts.selector())
	if err != nil {
		return storeError("failed to list nodes", err)
	}
	if nodes == nil {
		nodes = []ir.Node{}
	}
	return opts.formatter(cmd).Success(nodes, func(out io.Writer) {
		if len(nodes) == 0 {
			dimStyle.Fprintln(out, "No nodes found")
			return
		}
		for _, n := range nodes {
			fmt.Fprintf(out, "%-14s ", n.ID)
			statusStyle(n.Status).Fprintf(out, "%-12s", n.Status)
			fmt.Fprintf(out, " %-9s %s\n", n.Priority, n.Title)
		}
		dimStyle.Fprintf(out, "%d node(s)\n", len(nodes))
	})
}

// NodeUpdateOptions holds flags for node update.
type NodeUpdateOptions struct {
	*RootOptions
	Title      string
	Status     string
	Priority   string
	Track      string
	Body       string
	AddDeps    []string
	RemoveDeps []string
	AddBlocks  []string
	Attributes map[string]string
}

func newNodeUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeUpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a node",
		Long: `Change fields of a node. Only the flags given are applied. A concurrent
change to the same node fails with CONFLICT; re-run the command to apply
on top of it.

Examples:
  htmlgraph node update feat-1a2b3c4d --status in-progress
  htmlgraph node update feat-1a2b3c4d --add-dep bug-5e6f7a8b --attr owner=alice`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeUpdate(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status")
	cmd.Flags().StringVarP(&opts.Priority, "priority", "p", "", "priority")
	cmd.Flags().StringVar(&opts.Track, "track", "", "track id (empty string clears it)")
	cmd.Flags().StringVar(&opts.Body, "body", "", "markdown body")
	cmd.Flags().StringSliceVar(&opts.AddDeps, "add-dep", nil, "dependencies to add")
	cmd.Flags().StringSliceVar(&opts.RemoveDeps, "remove-dep", nil, "dependencies to remove")
	cmd.Flags().StringSliceVar(&opts.AddBlocks, "add-blocks", nil, "blocked ids to add")
	cmd.Flags().StringToStringVar(&opts.Attributes, "attr", nil, "attributes to set (key=value, empty value removes)")

	return cmd
}

// mutator applies the flags that were set on the command line.
func (o *NodeUpdateOptions) mutator(cmd *cobra.Command) nodestore.Mutator {
	changed := cmd.Flags().Changed
	return func(n *ir.Node) error {
		if changed("title") {
			n.Title = o.Title
		}
		if changed("status") {
			n.Status = ir.Status(o.Status)
		}
		if changed("priority") {
			n.Priority = ir.Priority(o.Priority)
		}
		if changed("track") {
			n.TrackID = o.Track
		}
		if changed("body") {
			n.Body = o.Body
		}
		for _, dep := range o.AddDeps {
			if !slices.Contains(n.DependsOn, dep) {
				n.DependsOn = append(n.DependsOn, dep)
			}
		}
		n.DependsOn = slices.DeleteFunc(n.DependsOn, func(dep string) bool {
			return slices.Contains(o.RemoveDeps, dep)
		})
		for _, id := range o.AddBlocks {
			if !slices.Contains(n.Blocks, id) {
				n.Blocks = append(n.Blocks, id)
			}
		}
		for k, v := range o.Attributes {
			if n.Attributes == nil {
				n.Attributes = map[string]string{}
			}
			if v == "" {
				delete(n.Attributes, k)
				continue
			}
			n.Attributes[k] = v
		}
		return nil
	}
}

func runNodeUpdate(opts *NodeUpdateOptions, cmd *cobra.Command, id string) error {
	ctx := context.Background()
	w, err := opts.openWorkspace(ctx, cmd)
	if err != nil {
		return err
	}
	defer w.Close()

	n, err := w.Nodes.Update(ctx, w.Actor(), id, opts.mutator(cmd))
	if err != nil {
		return storeError("failed to update node", err)
	}
	return opts.formatter(cmd).Success(n, func(out io.Writer) {
		okStyle.Fprint(out, "Updated ")
		fmt.Fprintf(out, "%s ", n.ID)
		statusStyle(n.Status).Fprintln(out, n.Status)
	})
}

// DeleteResult is the output of node delete.
type DeleteResult struct {
	ID      string   `json:"id"`
	Hard    bool     `json:"hard"`
	Cleaned []string `json:"cleaned,omitempty"`
}

func newNodeDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var hard bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a node",
		Long: `Soft-delete a node: it is cancelled and hidden from queries but stays on
disk. --hard removes the document and strips edges pointing at it.

Examples:
  htmlgraph node delete feat-1a2b3c4d
  htmlgraph node delete feat-1a2b3c4d --hard`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := rootOpts.openWorkspace(ctx, cmd)
			if err != nil {
				return err
			}
			defer w.Close()

			result := DeleteResult{ID: args[0], Hard: hard}
			if hard {
				result.Cleaned, err = w.Nodes.HardDelete(ctx, w.Actor(), args[0])
			} else {
				_, err = w.Nodes.Delete(ctx, w.Actor(), args[0])
			}
			if err != nil {
				return storeError("failed to delete node", err)
			}
			return rootOpts.formatter(cmd).Success(result, func(out io.Writer) {
				okStyle.Fprint(out, "Deleted ")
				fmt.Fprintln(out, result.ID)
				if len(result.Cleaned) > 0 {
					dimStyle.Fprintf(out, "  removed edges from %s\n", strings.Join(result.Cleaned, ", "))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "remove the document from disk")
	return cmd
}
