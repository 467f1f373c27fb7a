package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lattice/internal/domain"
	"lattice/internal/engine"
)

func commentCmd() *cobra.Command {
	c := &cobra.Command{Use: "comment", Short: "Discussion threads on tasks"}
	c.AddCommand(commentAddCmd())
	c.AddCommand(commentEditCmd())
	c.AddCommand(commentDeleteCmd())
	c.AddCommand(commentReactCmd())
	c.AddCommand(commentUnreactCmd())
	c.AddCommand(commentListCmd())
	return c
}

func commentAddCmd() *cobra.Command {
	var replyTo, role string
	cmd := &cobra.Command{
		Use:   "add <task> <body>",
		Short: "Add a comment (or a reply with --reply-to)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				meta, err := metaFrom(e)
				if err != nil {
					return err
				}
				taskID, err := resolveTask(e, args[0])
				if err != nil {
					return err
				}
				ev, err := e.AddComment(taskID, args[1], replyTo, role, meta)
				if err != nil {
					return err
				}
				return emit(ev, func() {
					fmt.Printf("comment %s added\n", ev.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "parent comment id")
	cmd.Flags().StringVar(&role, "role", "", "evidence role this comment provides")
	return cmd
}

func commentEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <task> <comment-id> <body>",
		Short: "Edit a comment (previous body is kept in history)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				meta, err := metaFrom(e)
				if err != nil {
					return err
				}
				taskID, err := resolveTask(e, args[0])
				if err != nil {
					return err
				}
				ev, err := e.EditComment(taskID, args[1], args[2], meta)
				if err != nil {
					return err
				}
				return emit(ev, func() {
					fmt.Printf("comment %s edited\n", args[1])
				})
			})
		},
	}
}

func commentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task> <comment-id>",
		Short: "Delete a comment (tombstone, thread structure survives)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				meta, err := metaFrom(e)
				if err != nil {
					return err
				}
				taskID, err := resolveTask(e, args[0])
				if err != nil {
					return err
				}
				ev, err := e.DeleteComment(taskID, args[1], meta)
				if err != nil {
					return err
				}
				return emit(ev, func() {
					fmt.Printf("comment %s deleted\n", args[1])
				})
			})
		},
	}
}

func commentReactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "react <task> <comment-id> <emoji>",
		Short: "Add a reaction",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				meta, err := metaFrom(e)
				if err != nil {
					return err
				}
				taskID, err := resolveTask(e, args[0])
				if err != nil {
					return err
				}
				ev, err := e.React(taskID, args[1], args[2], meta)
				if err != nil {
					return err
				}
				return emit(ev, func() {
					fmt.Printf(":%s: on %s\n", args[2], args[1])
				})
			})
		},
	}
}

func commentUnreactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unreact <task> <comment-id> <emoji>",
		Short: "Remove a reaction",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				meta, err := metaFrom(e)
				if err != nil {
					return err
				}
				taskID, err := resolveTask(e, args[0])
				if err != nil {
					return err
				}
				ev, err := e.Unreact(taskID, args[1], args[2], meta)
				if err != nil {
					return err
				}
				return emit(ev, func() {
					fmt.Printf("removed :%s: from %s\n", args[2], args[1])
				})
			})
		},
	}
}

func commentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task>",
		Short: "Show the threaded comment view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				taskID, err := resolveTask(e, args[0])
				if err != nil {
					return err
				}
				comments, err := e.Comments(taskID)
				if err != nil {
					return err
				}
				return emit(comments, func() {
					for _, c := range comments {
						printComment(c, "")
					}
				})
			})
		},
	}
}

func printComment(c *domain.Comment, indent string) {
	body := c.Body
	if c.Deleted {
		body = "[deleted]"
	}
	fmt.Printf("%s%s  %s  %s\n", indent, c.ID, c.Author, c.CreatedAt)
	if c.Role != "" {
		fmt.Printf("%s  role: %s\n", indent, c.Role)
	}
	fmt.Printf("%s  %s\n", indent, body)
	if len(c.Reactions) > 0 {
		var parts []string
		for emoji, actors := range c.Reactions {
			parts = append(parts, fmt.Sprintf(":%s: x%d", emoji, len(actors)))
		}
		fmt.Printf("%s  %s\n", indent, strings.Join(parts, " "))
	}
	for _, reply := range c.Replies {
		printComment(reply, indent+"    ")
	}
}
