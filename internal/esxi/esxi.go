// Package esxi controls host services through the vSphere API of a
// standalone ESXi host.
package esxi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Harvester/internal/collector"
	"github.com/CZERTAINLY/Harvester/internal/model"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// ManagementPlane connects to ESXi hosts. Insecure skips verification of
// the host certificate, which is self signed on most hosts.
type ManagementPlane struct {
	insecure bool
}

func New(insecure bool) ManagementPlane {
	return ManagementPlane{insecure: insecure}
}

// Connect logs in to host and looks up its host system
func (m ManagementPlane) Connect(ctx context.Context, host string, creds model.Credentials) (collector.MgmtSession, error) {
	u, err := soap.ParseURL(host)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing url of %s: %w", model.ErrConnect, host, err)
	}
	u.User = url.UserPassword(creds.User, creds.Password)

	c, err := govmomi.NewClient(ctx, u, m.insecure)
	if err != nil {
		if isInvalidLogin(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrAuth, err)
		}
		return nil, fmt.Errorf("%w: %w", model.ErrConnect, err)
	}

	f := find.NewFinder(c.Client, true)
	dc, err := f.DefaultDatacenter(ctx)
	if err == nil {
		f.SetDatacenter(dc)
		var hs *object.HostSystem
		hs, err = f.DefaultHostSystem(ctx)
		if err == nil {
			return &Session{client: c, host: hs}, nil
		}
	}
	_ = c.Logout(context.WithoutCancel(ctx))
	return nil, fmt.Errorf("%w: looking up host system: %w", model.ErrConnect, err)
}

func isInvalidLogin(err error) bool {
	if soap.IsSoapFault(err) {
		if _, ok := soap.ToSoapFault(err).VimFault().(types.InvalidLogin); ok {
			return true
		}
	}
	return strings.Contains(err.Error(), "InvalidLogin") ||
		strings.Contains(err.Error(), "incorrect user name or password")
}

// serviceSystem is the part of object.HostServiceSystem in use
type serviceSystem interface {
	Service(ctx context.Context) ([]types.HostService, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
}

type Session struct {
	client *govmomi.Client
	host   *object.HostSystem

	once     sync.Once
	services serviceSystem
	err      error
}

func (s *Session) serviceSystem(ctx context.Context) (serviceSystem, error) {
	s.once.Do(func() {
		if s.services != nil {
			return
		}
		var ss *object.HostServiceSystem
		ss, s.err = s.host.ConfigManager().ServiceSystem(ctx)
		if s.err == nil {
			s.services = ss
		}
	})
	return s.services, s.err
}

// ServiceState reports if the service identified by key (TSM-SSH for the
// SSH server) is running
func (s *Session) ServiceState(ctx context.Context, key string) (bool, error) {
	svc, err := s.find(ctx, key)
	if err != nil {
		return false, err
	}
	return svc.Running, nil
}

func (s *Session) SetServiceState(ctx context.Context, key string, running bool) error {
	ss, err := s.serviceSystem(ctx)
	if err != nil {
		return err
	}
	if _, err := s.find(ctx, key); err != nil {
		return err
	}
	if running {
		err = ss.Start(ctx, key)
	} else {
		err = ss.Stop(ctx, key)
	}
	if err != nil {
		return fmt.Errorf("setting %s running=%t: %w", key, running, err)
	}
	return nil
}

func (s *Session) find(ctx context.Context, key string) (types.HostService, error) {
	ss, err := s.serviceSystem(ctx)
	if err != nil {
		return types.HostService{}, fmt.Errorf("service system: %w", err)
	}
	services, err := ss.Service(ctx)
	if err != nil {
		return types.HostService{}, fmt.Errorf("listing services: %w", err)
	}
	for _, svc := range services {
		if svc.Key == key {
			return svc, nil
		}
	}
	return types.HostService{}, fmt.Errorf("%w: %s", model.ErrServiceNotFound, key)
}

func (s *Session) Disconnect(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Logout(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
