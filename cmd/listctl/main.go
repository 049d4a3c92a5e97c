// listctl is the site administrator's command line for listd: create and
// remove lists, manage rosters, inspect the moderator queue, and apply
// decisions without going through the HTTP API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ignite/listd/internal/config"
	"github.com/ignite/listd/internal/list"
	"github.com/ignite/listd/internal/notice"
	"github.com/ignite/listd/internal/pending"
)

const usage = `usage: listctl [flags] <command> [args]

commands:
  lists                         show all lists on the site
  create <list>                 create a new list
  remove <list>                 remove a list and all its data
  members <list>                show the roster
  add-member <list> <addr>      subscribe an address
  remove-member <list> <addr>   unsubscribe an address
  queue <list>                  show pending requests
  show <list> <id>              print a held message
  approve <list> <id>           approve a pending request
  reject <list> <id>            reject a pending request (-comment)
  discard <list> <id>           discard a pending request
`

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	comment := flag.String("comment", "", "rejection comment")
	host := flag.String("host", "", "mail domain for create (default from config)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	registry := list.NewRegistry(cfg.Lists.Dir, cfg.Locking.Dir, cfg.Lists.SiteName, cfg.Locking.Lifetime())
	notices := notice.New(cfg.Notices.TemplatesDir)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &ctl{
		registry: registry,
		notices:  notices,
		cfg:      cfg,
		comment:  *comment,
		host:     *host,
	}

	var cmdErr error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "lists":
		cmdErr = c.lists()
	case "create":
		cmdErr = c.create(arg(rest, 0))
	case "remove":
		cmdErr = c.remove(arg(rest, 0))
	case "members":
		cmdErr = c.members(arg(rest, 0))
	case "add-member":
		cmdErr = c.addMember(arg(rest, 0), arg(rest, 1))
	case "remove-member":
		cmdErr = c.removeMember(arg(rest, 0), arg(rest, 1))
	case "queue":
		cmdErr = c.queue(arg(rest, 0))
	case "show":
		cmdErr = c.show(arg(rest, 0), arg(rest, 1))
	case "approve":
		cmdErr = c.resolve(arg(rest, 0), arg(rest, 1), pending.Approve)
	case "reject":
		cmdErr = c.resolve(arg(rest, 0), arg(rest, 1), pending.Reject)
	case "discard":
		cmdErr = c.resolve(arg(rest, 0), arg(rest, 1), pending.Discard)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		log.Fatalf("listctl: %v", cmdErr)
	}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
