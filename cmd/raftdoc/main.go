package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/latticedb/raft"
	"github.com/latticedb/raft/config"
	"github.com/latticedb/raft/message"
	"github.com/latticedb/raft/statemachine/memsm"
	"github.com/urfave/cli/v2"
)

func parseUUID(s string) (uuid.UUID, error) { return uuid.Parse(s) }

func main() {
	app := &cli.App{
		Name:  "raftdoc",
		Usage: "example host for the replicated state-machine engine",
		Commands: []*cli.Command{
			serverCommand(),
			getCommand(),
			postCommand(),
			putCommand(),
			removeCommand(),
			beginTransCommand(),
			endTransCommand(),
			rollbackCommand(),
			transPostCommand(),
			transPutCommand(),
			transRemoveCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:      "server",
		Usage:     "run a cluster member",
		ArgsUsage: "<config>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: raftdoc server <config>")
			}
			cfg, err := config.Load(c.Args().Get(0))
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

// parseLid is the shared <lid> argument parser for every client
// subcommand.
func parseLid(s string) (raft.LogId, error) {
	lid, err := raft.ParseLogId(s)
	if err != nil {
		return raft.LogId{}, fmt.Errorf("invalid lid %q: %w", s, err)
	}
	return lid, nil
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "fetch a document's value",
		ArgsUsage: "<doc-id> <lid> <addr> <user> <pw>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 5 {
				return fmt.Errorf("usage: raftdoc get <doc-id> <lid> <addr> <user> <pw>")
			}
			docId, lidStr, addr, user, pw := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.Args().Get(3), c.Args().Get(4)
			lid, err := parseLid(lidStr)
			if err != nil {
				return err
			}
			result, err := runQuery(addr, user, pw, lid, docId)
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(string(result))
			return nil
		},
	}
}

// runQuery wraps runProposal's redirect-following dial loop for a
// read-only key lookup.
func runQuery(addr, user, pw string, lid raft.LogId, key string) ([]byte, error) {
	payload, err := memsm.QueryValueBytes(key)
	if err != nil {
		return nil, err
	}
	result, err := runProposal(addr, user, pw, message.KindQuery, func(client raft.ClientId) interface{} {
		return &message.Query{LogId: lid, Client: client, Query: payload}
	})
	if err != nil {
		return nil, err
	}
	return result.data, nil
}

func setCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<doc-id> <value> <lid> <addr> <user> <pw>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 6 {
				return fmt.Errorf("usage: raftdoc %s <doc-id> <value> <lid> <addr> <user> <pw>", name)
			}
			docId, value, lidStr, addr, user, pw :=
				c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.Args().Get(3), c.Args().Get(4), c.Args().Get(5)
			lid, err := parseLid(lidStr)
			if err != nil {
				return err
			}
			entry := memsm.EncodeCommand(memsm.Command{Type: memsm.CommandSet, Key: docId, Value: []byte(value)})
			result, err := runProposal(addr, user, pw, message.KindProposal, func(client raft.ClientId) interface{} {
				return &message.Proposal{LogId: lid, Client: client, Entry: entry}
			})
			if err != nil {
				return err
			}
			fmt.Println(string(result.data))
			return nil
		},
	}
}

func postCommand() *cli.Command { return setCommand("post", "create a document") }
func putCommand() *cli.Command  { return setCommand("put", "update a document") }

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "delete a document",
		ArgsUsage: "<doc-id> <lid> <addr> <user> <pw>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 5 {
				return fmt.Errorf("usage: raftdoc remove <doc-id> <lid> <addr> <user> <pw>")
			}
			docId, lidStr, addr, user, pw := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.Args().Get(3), c.Args().Get(4)
			lid, err := parseLid(lidStr)
			if err != nil {
				return err
			}
			entry := memsm.EncodeCommand(memsm.Command{Type: memsm.CommandUnset, Key: docId})
			result, err := runProposal(addr, user, pw, message.KindProposal, func(client raft.ClientId) interface{} {
				return &message.Proposal{LogId: lid, Client: client, Entry: entry}
			})
			if err != nil {
				return err
			}
			fmt.Println(string(result.data))
			return nil
		},
	}
}

func beginTransCommand() *cli.Command {
	return &cli.Command{
		Name:      "begintrans",
		Usage:     "open a transaction, printing its id",
		ArgsUsage: "<lid> <addr> <user> <pw>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 4 {
				return fmt.Errorf("usage: raftdoc begintrans <lid> <addr> <user> <pw>")
			}
			lidStr, addr, user, pw := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.Args().Get(3)
			lid, err := parseLid(lidStr)
			if err != nil {
				return err
			}
			session := raft.NewTransactionId()
			err = runTransactionOp(addr, user, pw, message.KindClientTransactionBegin, func(client raft.ClientId) interface{} {
				return &message.ClientTransactionBegin{LogId: lid, Client: client, Session: session}
			})
			if err != nil {
				return err
			}
			fmt.Println(session.String())
			return nil
		},
	}
}

func endTransCommand() *cli.Command {
	return &cli.Command{
		Name:      "endtrans",
		Usage:     "commit a transaction",
		ArgsUsage: "<transid> <lid> <addr> <user> <pw>",
		Action: func(c *cli.Context) error {
			return transactionBracket(c, "endtrans", message.KindClientTransactionCommit,
				func(lid raft.LogId, client raft.ClientId, session raft.TransactionId) interface{} {
					return &message.ClientTransactionCommit{LogId: lid, Client: client, Session: session}
				})
		},
	}
}

func rollbackCommand() *cli.Command {
	return &cli.Command{
		Name:      "rollback",
		Usage:     "roll back a transaction",
		ArgsUsage: "<transid> <lid> <addr> <user> <pw>",
		Action: func(c *cli.Context) error {
			return transactionBracket(c, "rollback", message.KindClientTransactionRollback,
				func(lid raft.LogId, client raft.ClientId, session raft.TransactionId) interface{} {
					return &message.ClientTransactionRollback{LogId: lid, Client: client, Session: session}
				})
		},
	}
}

func transactionBracket(c *cli.Context, name string, kind message.Kind, build func(raft.LogId, raft.ClientId, raft.TransactionId) interface{}) error {
	if c.NArg() != 5 {
		return fmt.Errorf("usage: raftdoc %s <transid> <lid> <addr> <user> <pw>", name)
	}
	transIdStr, lidStr, addr, user, pw := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.Args().Get(3), c.Args().Get(4)
	session, err := parseTransactionId(transIdStr)
	if err != nil {
		return err
	}
	lid, err := parseLid(lidStr)
	if err != nil {
		return err
	}
	return runTransactionOp(addr, user, pw, kind, func(client raft.ClientId) interface{} {
		return build(lid, client, session)
	})
}

func transSetCommand(name string, cmdType memsm.CommandType) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     fmt.Sprintf("%s a document within a transaction", name[len("trans"):]),
		ArgsUsage: "<transid> <doc-id> <value> <lid> <addr> <user> <pw>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 7 {
				return fmt.Errorf("usage: raftdoc %s <transid> <doc-id> <value> <lid> <addr> <user> <pw>", name)
			}
			transIdStr, docId, value, lidStr, addr, user, pw :=
				c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.Args().Get(3), c.Args().Get(4), c.Args().Get(5), c.Args().Get(6)
			session, err := parseTransactionId(transIdStr)
			if err != nil {
				return err
			}
			lid, err := parseLid(lidStr)
			if err != nil {
				return err
			}
			entry := memsm.EncodeCommand(memsm.Command{Type: cmdType, Key: docId, Value: []byte(value)})
			result, err := runProposal(addr, user, pw, message.KindProposal, func(client raft.ClientId) interface{} {
				return &message.Proposal{LogId: lid, Client: client, Session: session, Entry: entry}
			})
			if err != nil {
				return err
			}
			fmt.Println(string(result.data))
			return nil
		},
	}
}

func transPostCommand() *cli.Command   { return transSetCommand("transpost", memsm.CommandSet) }
func transPutCommand() *cli.Command    { return transSetCommand("transput", memsm.CommandSet) }
func transRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "transremove",
		Usage:     "remove a document within a transaction",
		ArgsUsage: "<transid> <doc-id> <lid> <addr> <user> <pw>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 6 {
				return fmt.Errorf("usage: raftdoc transremove <transid> <doc-id> <lid> <addr> <user> <pw>")
			}
			transIdStr, docId, lidStr, addr, user, pw :=
				c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.Args().Get(3), c.Args().Get(4), c.Args().Get(5)
			session, err := parseTransactionId(transIdStr)
			if err != nil {
				return err
			}
			lid, err := parseLid(lidStr)
			if err != nil {
				return err
			}
			entry := memsm.EncodeCommand(memsm.Command{Type: memsm.CommandUnset, Key: docId})
			result, err := runProposal(addr, user, pw, message.KindProposal, func(client raft.ClientId) interface{} {
				return &message.Proposal{LogId: lid, Client: client, Session: session, Entry: entry}
			})
			if err != nil {
				return err
			}
			fmt.Println(string(result.data))
			return nil
		},
	}
}

func parseTransactionId(s string) (raft.TransactionId, error) {
	u, err := parseUUID(s)
	if err != nil {
		return raft.TransactionId{}, fmt.Errorf("invalid transid %q: %w", s, err)
	}
	return raft.TransactionId(u), nil
}
