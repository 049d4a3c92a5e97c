package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ignite/listd/internal/config"
	"github.com/ignite/listd/internal/list"
	"github.com/ignite/listd/internal/notice"
	"github.com/ignite/listd/internal/pending"
)

type ctl struct {
	registry *list.Registry
	notices  *notice.Renderer
	cfg      *config.Config
	comment  string
	host     string
}

func (c *ctl) lists() error {
	names, err := c.registry.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		l, err := c.registry.Open(name)
		if err != nil {
			fmt.Printf("%-24s (unreadable: %v)\n", name, err)
			continue
		}
		fmt.Printf("%-24s %4d members  %3d pending\n",
			l.PostingAddress(), len(l.State().Members), l.Requests().Len())
	}
	return nil
}

func (c *ctl) create(name string) error {
	if name == "" {
		return fmt.Errorf("create: list name required")
	}
	host := c.host
	if host == "" {
		host = c.cfg.Lists.DefaultHost
	}
	l, err := c.registry.Create(name, host, nil, c.cfg.Locking.AcquireTimeout())
	if err != nil {
		return err
	}
	defer l.Unlock()
	fmt.Printf("created %s\n", l.PostingAddress())
	return nil
}

func (c *ctl) remove(name string) error {
	if name == "" {
		return fmt.Errorf("remove: list name required")
	}
	if err := c.registry.Remove(name, c.cfg.Locking.AcquireTimeout()); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", name)
	return nil
}

func (c *ctl) members(name string) error {
	l, err := c.registry.Open(name)
	if err != nil {
		return err
	}
	for _, key := range l.MemberAddresses() {
		m, _ := l.GetMember(key)
		flags := ""
		if m.Moderated {
			flags += " [moderated]"
		}
		if m.Digest {
			flags += " [digest]"
		}
		fmt.Printf("%s%s\n", m.Address, flags)
	}
	return nil
}

func (c *ctl) addMember(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("add-member: address required")
	}
	l, err := c.registry.OpenLocked(name, c.cfg.Locking.AcquireTimeout())
	if err != nil {
		return err
	}
	defer l.Unlock()
	if err := l.AddMember(list.Member{Address: addr}); err != nil {
		return err
	}
	fmt.Printf("subscribed %s to %s\n", addr, name)
	return nil
}

func (c *ctl) removeMember(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("remove-member: address required")
	}
	l, err := c.registry.OpenLocked(name, c.cfg.Locking.AcquireTimeout())
	if err != nil {
		return err
	}
	defer l.Unlock()
	if err := l.RemoveMember(addr); err != nil {
		return err
	}
	fmt.Printf("unsubscribed %s from %s\n", addr, name)
	return nil
}

func (c *ctl) queue(name string) error {
	l, err := c.registry.Open(name)
	if err != nil {
		return err
	}
	store := l.Requests()
	for _, kind := range []pending.Kind{
		pending.KindHeldMessage, pending.KindSubscription, pending.KindUnsubscription,
	} {
		for _, id := range store.ListIds(kind) {
			req, ok := store.GetRecord(id)
			if !ok {
				continue
			}
			switch kind {
			case pending.KindHeldMessage:
				fmt.Printf("%4d  post         %-30s %q (%s)\n",
					id, req.Held.Sender, req.Held.Subject, req.Held.Reason)
			case pending.KindSubscription:
				fmt.Printf("%4d  subscribe    %s\n", id, req.Sub.Address)
			case pending.KindUnsubscription:
				fmt.Printf("%4d  unsubscribe  %s\n", id, req.Unsub.Address)
			}
		}
	}
	return nil
}

func (c *ctl) show(name, idArg string) error {
	id, err := strconv.Atoi(idArg)
	if err != nil {
		return fmt.Errorf("show: bad request id %q", idArg)
	}
	l, err := c.registry.Open(name)
	if err != nil {
		return err
	}
	req, ok := l.Requests().GetRecord(id)
	if !ok {
		return fmt.Errorf("%w: %d", pending.ErrUnknownRequest, id)
	}
	if req.Kind != pending.KindHeldMessage {
		return fmt.Errorf("show: request %d is a %s request, not a held message", id, req.Kind)
	}
	body, err := os.ReadFile(l.Requests().HeldBodyPath(req))
	if err != nil {
		return err
	}
	os.Stdout.Write(body)
	return nil
}

func (c *ctl) resolve(name, idArg string, decision pending.Decision) error {
	id, err := strconv.Atoi(idArg)
	if err != nil {
		return fmt.Errorf("bad request id %q", idArg)
	}
	l, err := c.registry.OpenLocked(name, c.cfg.Locking.AcquireTimeout())
	if err != nil {
		return err
	}
	defer l.Unlock()

	fx, err := list.NewSpoolEffects(l, c.notices, c.cfg.Spool.Dir)
	if err != nil {
		return err
	}
	status, err := l.Requests().Resolve(id, decision, pending.ResolveOptions{Comment: c.comment}, fx)
	if err != nil {
		return err
	}
	fmt.Printf("%s/%d: %s\n", name, id, status)
	return nil
}
