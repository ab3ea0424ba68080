package deployment

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
)

type networkTarget struct {
	d       *DesiredInstance
	binding manifest.NetworkBinding
}

// planNetworks fills in the network settings of every instance that gets
// addresses in this run. Manual network addresses are taken under the
// network lock; with reserve they are recorded unbound until the instance
// is updated.
func (o *Orchestrator) planNetworks(ctx context.Context, t *jobrunner.Task, p *Prepared, errand string, reserve bool) error {
	ips, err := store.ListDeploymentIPs(ctx, t.DB, p.Deployment.ID)
	if err != nil {
		return err
	}
	held := make(map[int64]map[string]store.IPAddress)
	for _, ip := range ips {
		if ip.InstanceID == nil {
			continue
		}
		if held[*ip.InstanceID] == nil {
			held[*ip.InstanceID] = make(map[string]store.IPAddress)
		}
		held[*ip.InstanceID][ip.NetworkName] = ip
	}

	byNetwork := make(map[string][]networkTarget)
	var planned []*DesiredInstance
	for _, d := range p.Instances {
		d.Networks = make(map[string]cloud.NetworkSettings, len(d.Group.Networks))
		if !wantsAddresses(d, errand) {
			continue
		}
		planned = append(planned, d)
		for _, b := range d.Group.Networks {
			byNetwork[b.Network.Name] = append(byNetwork[b.Network.Name], networkTarget{d: d, binding: b})
		}
	}

	kept := make(map[int64]bool)
	for _, name := range sortedNetworkNames(p.Plan) {
		targets := byNetwork[name]
		if len(targets) == 0 {
			continue
		}
		n := p.Plan.Networks[name]
		a := &allocator{t: t, deployment: p.Deployment, network: n, held: held, kept: kept, reserve: reserve}
		if n.Type != manifest.NetworkManual || !reserve {
			if err := a.assign(ctx, targets); err != nil {
				return err
			}
			continue
		}
		err := t.Locks.WithLock(ctx, lock.Network(name), o.lockTimeout(), func(ctx context.Context) error {
			return a.assign(ctx, targets)
		})
		if err != nil {
			return err
		}
	}

	for _, d := range planned {
		if d.Existing == nil {
			continue
		}
		for _, ip := range held[d.Existing.ID] {
			if !kept[ip.ID] {
				d.staleIPs = append(d.staleIPs, ip.ID)
			}
		}
	}
	return nil
}

func wantsAddresses(d *DesiredInstance, errand string) bool {
	if d.Ignored() {
		return false
	}
	if errand != "" {
		return d.Group.Name == errand
	}
	return !d.Group.IsErrand()
}

type allocator struct {
	t          *jobrunner.Task
	deployment *store.Deployment
	network    *manifest.Network
	held       map[int64]map[string]store.IPAddress
	kept       map[int64]bool
	reserve    bool

	subnets []*subnet
	taken   map[netip.Addr]bool
}

func (a *allocator) assign(ctx context.Context, targets []networkTarget) error {
	for _, s := range a.network.Subnets {
		sn, err := parseSubnet(a.network.Name, s)
		if err != nil {
			return err
		}
		a.subnets = append(a.subnets, sn)
	}

	a.taken = make(map[netip.Addr]bool)
	if a.network.Type == manifest.NetworkManual {
		ips, err := store.ListNetworkIPs(ctx, a.t.DB, a.network.Name)
		if err != nil {
			return err
		}
		for _, ip := range ips {
			if addr, err := netip.ParseAddr(ip.Address); err == nil {
				a.taken[addr] = true
			}
		}
	}

	for _, target := range targets {
		settings, err := a.settings(ctx, target)
		if err != nil {
			return err
		}
		target.d.Networks[a.network.Name] = settings
	}
	return nil
}

func (a *allocator) settings(ctx context.Context, target networkTarget) (cloud.NetworkSettings, error) {
	d, b := target.d, target.binding
	settings := cloud.NetworkSettings{
		Type:            a.network.Type,
		Default:         b.Default,
		CloudProperties: a.network.CloudProperties,
	}
	static := ""
	if d.Index < len(b.StaticIPs) {
		static = b.StaticIPs[d.Index]
	}

	switch a.network.Type {
	case manifest.NetworkVIP:
		settings.IP = static
		return settings, nil
	case manifest.NetworkDynamic:
		if sn := a.subnetIn(d.AZ); sn != nil {
			settings.DNS = sn.spec.DNS
			if len(sn.spec.CloudProperties) > 0 {
				settings.CloudProperties = sn.spec.CloudProperties
			}
		}
		return settings, nil
	}

	candidates := a.subnetsIn(d.AZ)
	if len(candidates) == 0 {
		return settings, fleeterr.Validation(fleeterr.CodeJobMissingNetwork,
			"Instance group '%s' has no subnet in availability zone '%s' on network '%s'", d.Group.Name, d.AZ, a.network.Name)
	}

	var own *store.IPAddress
	if d.Existing != nil {
		if ip, ok := a.held[d.Existing.ID][a.network.Name]; ok {
			own = &ip
		}
	}

	var addr netip.Addr
	var sn *subnet
	reused := false
	if static != "" {
		parsed, err := netip.ParseAddr(static)
		if err != nil {
			return settings, fleeterr.Validation(fleeterr.CodeBadManifest, "Invalid static IP '%s' for instance group '%s'", static, d.Group.Name)
		}
		addr = parsed
		for _, c := range candidates {
			if c.prefix.Contains(addr) {
				sn = c
				break
			}
		}
		if sn == nil {
			return settings, fleeterr.Validation(fleeterr.CodeNetworkReservationIPOutsideSubnet,
				"Static IP '%s' of instance group '%s' is outside the subnets of network '%s'", static, d.Group.Name, a.network.Name)
		}
		switch {
		case own != nil && own.Address == addr.String():
			reused = true
		case a.taken[addr]:
			return settings, fleeterr.InvalidState(fleeterr.CodeNetworkReservationAlreadyInUse,
				"Failed to reserve IP '%s' for '%s' on network '%s': already in use", static, d.Name(), a.network.Name)
		}
	} else {
		if own != nil && !own.Static {
			if prev, err := netip.ParseAddr(own.Address); err == nil {
				for _, c := range candidates {
					if c.dynamic(prev) {
						addr, sn, reused = prev, c, true
						break
					}
				}
			}
		}
		if !reused {
			for _, c := range candidates {
				if next, ok := c.next(a.taken); ok {
					addr, sn = next, c
					break
				}
			}
			if sn == nil {
				return settings, fleeterr.InvalidState(fleeterr.CodeNetworkReservationNotEnoughCapacity,
					"Failed to reserve IP for '%s' on network '%s': no more available", d.Name(), a.network.Name)
			}
		}
	}

	settings.IP = addr.String()
	settings.Netmask = sn.netmask()
	settings.DNS = sn.spec.DNS
	if sn.gateway.IsValid() {
		settings.Gateway = sn.gateway.String()
	}
	if len(sn.spec.CloudProperties) > 0 {
		settings.CloudProperties = sn.spec.CloudProperties
	}
	a.taken[addr] = true

	if reused {
		a.kept[own.ID] = true
		return settings, nil
	}
	ip := store.IPAddress{
		DeploymentID: a.deployment.ID,
		NetworkName:  a.network.Name,
		Address:      addr.String(),
		Static:       static != "",
		TaskID:       strconv.FormatInt(a.t.ID, 10),
	}
	if a.reserve {
		rec, err := store.ReserveIP(ctx, a.t.DB, ip)
		if err != nil {
			return settings, fleeterr.Wrap(fleeterr.CodeNetworkReservationAlreadyInUse, fleeterr.KindInvalidState, err,
				"Failed to reserve IP '%s' for '%s' on network '%s'", ip.Address, d.Name(), a.network.Name)
		}
		ip = *rec
	}
	d.newIPs = append(d.newIPs, ip)
	return settings, nil
}

func (a *allocator) subnetsIn(az string) []*subnet {
	var out []*subnet
	for _, sn := range a.subnets {
		if sn.inAZ(az) {
			out = append(out, sn)
		}
	}
	return out
}

func (a *allocator) subnetIn(az string) *subnet {
	if c := a.subnetsIn(az); len(c) > 0 {
		return c[0]
	}
	return nil
}

type addrRange struct {
	from, to netip.Addr
}

func (r addrRange) contains(a netip.Addr) bool {
	return r.from.Compare(a) <= 0 && a.Compare(r.to) <= 0
}

type subnet struct {
	spec     manifest.Subnet
	prefix   netip.Prefix
	gateway  netip.Addr
	reserved []addrRange
	static   []addrRange
}

func parseSubnet(network string, s manifest.Subnet) (*subnet, error) {
	prefix, err := netip.ParsePrefix(s.Range)
	if err != nil {
		return nil, fleeterr.Validation(fleeterr.CodeBadManifest, "Network '%s' has an invalid subnet range '%s'", network, s.Range)
	}
	sn := &subnet{spec: s, prefix: prefix.Masked()}
	if s.Gateway != "" {
		if sn.gateway, err = netip.ParseAddr(s.Gateway); err != nil {
			return nil, fleeterr.Validation(fleeterr.CodeBadManifest, "Network '%s' has an invalid gateway '%s'", network, s.Gateway)
		}
	}
	if sn.reserved, err = parseRanges(network, s.Reserved); err != nil {
		return nil, err
	}
	if sn.static, err = parseRanges(network, s.Static); err != nil {
		return nil, err
	}
	return sn, nil
}

// parseRanges reads entries of the form "a.b.c.d" or "a.b.c.d - e.f.g.h".
func parseRanges(network string, entries []string) ([]addrRange, error) {
	out := make([]addrRange, 0, len(entries))
	for _, e := range entries {
		first, last, isRange := strings.Cut(e, "-")
		from, err := netip.ParseAddr(strings.TrimSpace(first))
		if err != nil {
			return nil, fleeterr.Validation(fleeterr.CodeBadManifest, "Network '%s' has an invalid address range '%s'", network, e)
		}
		to := from
		if isRange {
			if to, err = netip.ParseAddr(strings.TrimSpace(last)); err != nil {
				return nil, fleeterr.Validation(fleeterr.CodeBadManifest, "Network '%s' has an invalid address range '%s'", network, e)
			}
		}
		out = append(out, addrRange{from: from, to: to})
	}
	return out, nil
}

func inRanges(ranges []addrRange, a netip.Addr) bool {
	for _, r := range ranges {
		if r.contains(a) {
			return true
		}
	}
	return false
}

func (s *subnet) inAZ(az string) bool {
	if az == "" {
		return true
	}
	if s.spec.AZ == az {
		return true
	}
	for _, name := range s.spec.AZs {
		if name == az {
			return true
		}
	}
	return s.spec.AZ == "" && len(s.spec.AZs) == 0
}

func (s *subnet) lastAddr() netip.Addr {
	b := s.prefix.Addr().As16()
	bits := s.prefix.Bits()
	if s.prefix.Addr().Is4() {
		bits += 96
	}
	for i := bits; i < 128; i++ {
		b[i/8] |= 1 << (7 - uint(i%8))
	}
	a := netip.AddrFrom16(b)
	if s.prefix.Addr().Is4() {
		a = a.Unmap()
	}
	return a
}

// dynamic reports whether a may be handed out without a static request.
func (s *subnet) dynamic(a netip.Addr) bool {
	if !s.prefix.Contains(a) || a == s.prefix.Addr() || a == s.lastAddr() || a == s.gateway {
		return false
	}
	return !inRanges(s.reserved, a) && !inRanges(s.static, a)
}

func (s *subnet) next(taken map[netip.Addr]bool) (netip.Addr, bool) {
	last := s.lastAddr()
	for a := s.prefix.Addr().Next(); a.IsValid() && a.Compare(last) < 0; a = a.Next() {
		if !taken[a] && s.dynamic(a) {
			return a, true
		}
	}
	return netip.Addr{}, false
}

func (s *subnet) netmask() string {
	total := 32
	if !s.prefix.Addr().Is4() {
		total = 128
	}
	return net.IP(net.CIDRMask(s.prefix.Bits(), total)).String()
}
