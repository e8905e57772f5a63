package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"farmtrack/internal/api"
	"farmtrack/internal/app"
	"farmtrack/internal/domain"
	"farmtrack/internal/listview"
)

// resourceCLI binds a list view to its terminal commands.
type resourceCLI[T any] struct {
	name   string
	noun   string
	get    func(*app.Bundle) *listview.Controller[T]
	header table.Row
	row    func(T) table.Row
	edit   bool
	delete bool
	// flags maps filter keys to their list flag names.
	flags map[string]string
}

var (
	activitiesCLI = resourceCLI[domain.Activity]{
		name:   "activities",
		noun:   "activity",
		get:    (*app.Bundle).Activities,
		header: table.Row{"ID", "Name", "When", "Performed By", "Status", "Photo"},
		row: func(a domain.Activity) table.Row {
			return table.Row{a.ID, a.Name, listview.SeedDateTime(a.DateTime), a.PerformedByName, a.Status, a.PhotoURL}
		},
		edit:   true,
		delete: true,
		flags:  map[string]string{"status": "status", "performed_by": "performed-by", "start_date": "from", "end_date": "to"},
	}
	tasksCLI = resourceCLI[domain.Task]{
		name:   "tasks",
		noun:   "task",
		get:    (*app.Bundle).Tasks,
		header: table.Row{"ID", "Title", "Assigned To", "Assigned By", "Due", "Status"},
		row: func(t domain.Task) table.Row {
			return table.Row{t.ID, t.Title, t.AssignedToName, t.AssignedByName, listview.SeedDate(t.DueDate), t.Status}
		},
		edit:   true,
		delete: true,
		flags:  map[string]string{"status": "status", "assigned_to": "assigned-to"},
	}
	usersCLI = resourceCLI[domain.User]{
		name:   "users",
		noun:   "user",
		get:    (*app.Bundle).Users,
		header: table.Row{"ID", "Username", "Email", "Role", "Manager", "Owner", "Created"},
		row: func(u domain.User) table.Row {
			return table.Row{u.ID, u.Username, u.Email, u.Role, optID(u.ManagerID), optID(u.OwnerID), created(u.CreatedAt)}
		},
	}
)

func resourceCmd[T any](def resourceCLI[T]) *cobra.Command {
	cmd := &cobra.Command{Use: def.name, Short: "Manage " + def.name}
	cmd.AddCommand(resourceListCmd(def))
	cmd.AddCommand(resourceAddCmd(def))
	cmd.AddCommand(fieldsCmd(def))
	if def.edit {
		cmd.AddCommand(resourceEditCmd(def))
	}
	if def.delete {
		cmd.AddCommand(resourceDeleteCmd(def))
	}
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := resourceCmd(tasksCLI)
	cmd.AddCommand(taskStatusCmd())
	return cmd
}

func resourceListCmd[T any](def resourceCLI[T]) *cobra.Command {
	values := map[string]*string{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List " + def.name,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := map[string]string{}
			for key, v := range values {
				if *v != "" {
					filter[key] = *v
				}
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, b *app.Bundle, _ domain.Identity) error {
				c := def.get(b)
				if err := c.Navigate(ctx, filter); err != nil {
					return err
				}
				return printList(def, c)
			})
		},
	}
	keys := make([]string, 0, len(def.flags))
	for k := range def.flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := new(string)
		values[k] = v
		cmd.Flags().StringVar(v, def.flags[k], "", "filter by "+strings.ReplaceAll(k, "_", " "))
	}
	return cmd
}

func resourceAddCmd[T any](def resourceCLI[T]) *cobra.Command {
	var sets []string
	var attach string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a " + def.noun,
		Long:  "Field values are given as --set name=value; '" + def.name + " fields' lists the fields that apply to your role.",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseSets(sets)
			if err != nil {
				return err
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, b *app.Bundle, _ domain.Identity) error {
				c := def.get(b)
				if err := c.OpenCreate(); err != nil {
					return err
				}
				return submit(ctx, def, c, values, attach)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field value as name=value (repeatable)")
	cmd.Flags().StringVar(&attach, "photo", "", "image file to attach")
	return cmd
}

func resourceEditCmd[T any](def resourceCLI[T]) *cobra.Command {
	var sets []string
	var attach string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a " + def.noun,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseSets(sets)
			if err != nil {
				return err
			}
			return withIdentity(cmd.Context(), func(ctx context.Context, b *app.Bundle, _ domain.Identity) error {
				c := def.get(b)
				if err := c.Mount(ctx); err != nil {
					return err
				}
				if err := c.OpenEdit(args[0]); err != nil {
					return err
				}
				return submit(ctx, def, c, values, attach)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field value as name=value (repeatable)")
	cmd.Flags().StringVar(&attach, "photo", "", "image file to attach")
	return cmd
}

func resourceDeleteCmd[T any](def resourceCLI[T]) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a " + def.noun,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withIdentity(cmd.Context(), func(ctx context.Context, b *app.Bundle, _ domain.Identity) error {
				c := def.get(b)
				if err := c.Mount(ctx); err != nil {
					return err
				}
				confirmed := false
				err := c.Delete(ctx, id, func() bool {
					if yes {
						confirmed = true
						return true
					}
					answer, err := prompt(fmt.Sprintf("Are you sure you want to delete this %s? [y/N] ", def.noun))
					confirmed = err == nil && strings.EqualFold(answer, "y")
					return confirmed
				})
				if err != nil {
					return err
				}
				if msg := c.Snapshot().Message; msg != "" {
					return errors.New(msg)
				}
				if confirmed {
					fmt.Printf("Deleted %s %s\n", def.noun, id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <pending|in-progress|completed>",
		Short: "Change the status of a task assigned to you",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, b *app.Bundle, _ domain.Identity) error {
				c := b.Tasks()
				if err := c.Mount(ctx); err != nil {
					return err
				}
				if err := c.UpdateStatus(ctx, args[0], args[1]); err != nil {
					return err
				}
				if msg := c.Snapshot().Message; msg != "" {
					return errors.New(msg)
				}
				return printList(tasksCLI, c)
			})
		},
	}
}

func fieldsCmd[T any](def resourceCLI[T]) *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "Show the fields of a new " + def.noun,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(ctx context.Context, b *app.Bundle, _ domain.Identity) error {
				fields := def.get(b).FormFields(true)
				if viper.GetBool("json") {
					return printJSON(fields)
				}
				t := newTable()
				t.AppendHeader(table.Row{"Name", "Label", "Kind", "Required", "Options"})
				for _, f := range fields {
					if f.Kind == listview.KindHidden {
						continue
					}
					opts := make([]string, 0, len(f.Options))
					for _, o := range f.Options {
						opts = append(opts, o.Value)
					}
					t.AppendRow(table.Row{f.Name, f.Label, f.Kind, f.Required(), strings.Join(opts, ", ")})
				}
				t.Render()
				return nil
			})
		},
	}
}

// submit fills the open draft in field order and sends it. Validation
// failures are reported per field.
func submit[T any](ctx context.Context, def resourceCLI[T], c *listview.Controller[T], values map[string]string, attach string) error {
	defer c.Close()
	for _, f := range c.Resource().Fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		delete(values, f.Name)
		if err := c.SetField(f.Name, v); err != nil {
			return err
		}
	}
	for name := range values {
		return fmt.Errorf("unknown field %q for %s", name, def.name)
	}
	if attach != "" {
		data, err := os.ReadFile(attach)
		if err != nil {
			return err
		}
		file := api.File{Name: filepath.Base(attach), ContentType: mime.TypeByExtension(filepath.Ext(attach)), Data: data}
		if err := c.Attach("photo", file); err != nil {
			return err
		}
	}
	if err := c.Submit(ctx); err != nil {
		var ve *listview.ValidationError
		if errors.As(err, &ve) {
			for _, fe := range ve.Fields {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", fe.Field, fe.Message)
			}
			return errors.New("draft is invalid")
		}
		if m := c.Snapshot().Modal; m != nil && m.Error != "" {
			return errors.New(m.Error)
		}
		return err
	}
	fmt.Printf("Saved %s\n", def.noun)
	return printList(def, c)
}

func parseSets(sets []string) (map[string]string, error) {
	out := map[string]string{}
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--set %q: expected name=value", s)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func printList[T any](def resourceCLI[T], c *listview.Controller[T]) error {
	snap := c.Snapshot()
	if viper.GetBool("json") {
		return printJSON(snap.Items)
	}
	if snap.Phase == listview.PhaseLoadError {
		msg := snap.Message
		if msg == "" {
			msg = "could not load " + def.name
		}
		return errors.New(msg)
	}
	t := newTable()
	t.AppendHeader(def.header)
	for _, it := range snap.Items {
		t.AppendRow(def.row(it))
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d %s", len(snap.Items), def.name)})
	t.Render()
	return nil
}

func optID(p *int64) string {
	if p == nil {
		return ""
	}
	return domain.FormatID(*p)
}

func created(s string) string {
	t, ok := listview.ParseTimestamp(s)
	if !ok {
		return s
	}
	return humanize.Time(t)
}
