package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jsherman999/domwatch/internal/config"
	"github.com/jsherman999/domwatch/internal/db"
	"github.com/jsherman999/domwatch/internal/dom"
	"github.com/jsherman999/domwatch/internal/store"
)

func Main() {
	if err := NewRoot(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRoot builds the domwatch command tree writing results to out.
func NewRoot(out io.Writer) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "domwatch",
		Short: "domwatch CLI",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")
	root.SetOut(out)

	root.AddCommand(listCmd(&cfgPath))
	root.AddCommand(putCmd(&cfgPath))
	root.AddCommand(deleteCmd(&cfgPath))
	root.AddCommand(exportCmd(&cfgPath))
	root.AddCommand(tailCmd(&cfgPath))
	return root
}

// openStore loads config and returns a migrated store; the CLI writes through
// the same outbox the daemon relays.
func openStore(ctx context.Context, cfgPath string) (*config.Config, *store.Store, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	dbConn, err := db.Open(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := db.ApplyMigrations(ctx, dbConn); err != nil {
		dbConn.Close()
		return nil, nil, nil, err
	}
	return cfg, store.New(dbConn, cfg.Watcher.Transport != config.TransportPostgres), dbConn.Close, nil
}

func listCmd(cfgPath *string) *cobra.Command {
	var module, defID, after string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List DOM instances as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			_, st, closeDB, err := openStore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer closeDB()

			q := store.ListQuery{Module: module, Limit: limit}
			if defID != "" {
				id, err := uuid.Parse(defID)
				if err != nil {
					return fmt.Errorf("--definition-id: %w", err)
				}
				q.DefinitionID = &id
			}
			if after != "" {
				id, err := uuid.Parse(after)
				if err != nil {
					return fmt.Errorf("--after: %w", err)
				}
				q.After = &id
			}
			insts, err := st.ListInstances(ctx, q)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, inst := range insts {
				if err := enc.Encode(inst); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "module to list (default all)")
	cmd.Flags().StringVar(&defID, "definition-id", "", "only instances of this definition")
	cmd.Flags().StringVar(&after, "after", "", "cursor: list ids after this one")
	cmd.Flags().IntVar(&limit, "limit", 100, "max instances")
	return cmd
}

// parseFields turns k=v pairs into instance fields. Values that parse as JSON
// keep their type; anything else is a string.
func parseFields(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("field %q is not key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			fields[k] = decoded
		} else {
			fields[k] = v
		}
	}
	return fields, nil
}

func putCmd(cfgPath *string) *cobra.Command {
	var id, module, defID, name string
	var fieldPairs []string

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or replace a DOM instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst := dom.Instance{Module: module, Name: name}
			var err error
			if id != "" {
				if inst.ID, err = uuid.Parse(id); err != nil {
					return fmt.Errorf("--id: %w", err)
				}
			}
			if inst.DefinitionID, err = uuid.Parse(defID); err != nil {
				return fmt.Errorf("--definition-id: %w", err)
			}
			if inst.Fields, err = parseFields(fieldPairs); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			_, st, closeDB, err := openStore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer closeDB()

			saved, created, err := st.UpsertInstance(ctx, inst)
			if err != nil {
				return err
			}
			verb := "updated"
			if created {
				verb = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, saved.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "instance id (default: new)")
	cmd.Flags().StringVar(&module, "module", "incidents", "module")
	cmd.Flags().StringVar(&defID, "definition-id", "", "definition id")
	cmd.Flags().StringVar(&name, "name", "", "instance name")
	cmd.Flags().StringArrayVar(&fieldPairs, "field", nil, "field as key=value (repeatable; JSON values keep their type)")
	_ = cmd.MarkFlagRequired("definition-id")
	return cmd
}

func deleteCmd(cfgPath *string) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a DOM instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			iid, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("--id: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			_, st, closeDB, err := openStore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer closeDB()

			inst, err := st.DeleteInstance(ctx, iid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%s)\n", inst.ID, inst.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "instance id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
