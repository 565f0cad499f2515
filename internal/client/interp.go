package client

import (
	"sort"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/game"
	"github.com/race/netrace/internal/network"
)

// rewindThreshold is how far server time may jump backwards before the
// buffer is treated as belonging to a finished race and cleared.
const rewindThreshold = 1.0

type bufferedSnapshot struct {
	snap   *network.Snapshot
	offset time.Duration // local arrival minus server time
}

// RemoteView is the world as it is drawn: other vehicles blended between the
// two snapshots around the render time.
type RemoteView struct {
	ServerTime   float64
	Vehicles     []network.VehicleState
	Missiles     []network.MissileState
	Oils         []network.OilState
	Items        []network.ItemState
	Extrapolated bool
}

// Interpolator buffers snapshots and renders them a jitter-sized delay in the
// past. The server-to-local clock offset is the median over the buffer, so a
// single late packet does not move the timeline.
type Interpolator struct {
	buf    []bufferedSnapshot // ascending ServerTime
	epoch  time.Time
	jitter *JitterEstimator
}

// NewInterpolator creates an empty interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{
		buf:    make([]bufferedSnapshot, 0, config.SnapshotBufferLength),
		jitter: NewJitterEstimator(),
	}
}

// Push adds a snapshot that arrived at arrival. Snapshots at or behind the
// newest buffered one are dropped and Push returns false.
func (ip *Interpolator) Push(s *network.Snapshot, arrival time.Time) bool {
	if n := len(ip.buf); n > 0 {
		newest := ip.buf[n-1].snap.ServerTime
		if float64(newest-s.ServerTime) > rewindThreshold {
			ip.Reset()
		} else if s.ServerTime <= newest {
			return false
		}
	}
	if ip.epoch.IsZero() {
		ip.epoch = arrival
	}
	ip.jitter.Observe(arrival)

	ip.buf = append(ip.buf, bufferedSnapshot{
		snap:   s,
		offset: arrival.Sub(ip.epoch) - seconds(float64(s.ServerTime)),
	})
	if over := len(ip.buf) - config.SnapshotBufferLength; over > 0 {
		ip.buf = append(ip.buf[:0], ip.buf[over:]...)
	}
	return true
}

// Latest returns the newest buffered snapshot, or nil.
func (ip *Interpolator) Latest() *network.Snapshot {
	if len(ip.buf) == 0 {
		return nil
	}
	return ip.buf[len(ip.buf)-1].snap
}

// Len returns the number of buffered snapshots.
func (ip *Interpolator) Len() int { return len(ip.buf) }

// Delay returns the current interpolation delay.
func (ip *Interpolator) Delay() time.Duration { return ip.jitter.Delay() }

// Reset clears the buffer and the jitter history.
func (ip *Interpolator) Reset() {
	ip.buf = ip.buf[:0]
	ip.epoch = time.Time{}
	ip.jitter.Reset()
}

// RenderTime maps local time now onto the server timeline, delay included.
func (ip *Interpolator) RenderTime(now time.Time) float64 {
	return (now.Sub(ip.epoch) - ip.medianOffset() - ip.Delay()).Seconds()
}

func (ip *Interpolator) medianOffset() time.Duration {
	offsets := make([]time.Duration, len(ip.buf))
	for i, b := range ip.buf {
		offsets[i] = b.offset
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	n := len(offsets)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return offsets[n/2]
	}
	return (offsets[n/2-1] + offsets[n/2]) / 2
}

// Sample renders the world at now. Past the newest snapshot vehicles are
// extrapolated along their velocity for at most MaxExtrapolation, then held.
func (ip *Interpolator) Sample(now time.Time) (RemoteView, bool) {
	if len(ip.buf) == 0 {
		return RemoteView{}, false
	}
	return ip.sampleAt(ip.RenderTime(now)), true
}

func (ip *Interpolator) sampleAt(t float64) RemoteView {
	oldest := ip.buf[0].snap
	if t <= float64(oldest.ServerTime) {
		return viewOf(oldest, float64(oldest.ServerTime))
	}

	newest := ip.buf[len(ip.buf)-1].snap
	if t >= float64(newest.ServerTime) {
		ahead := t - float64(newest.ServerTime)
		if limit := config.MaxExtrapolation.Seconds(); ahead > limit {
			ahead = limit
		}
		v := viewOf(newest, float64(newest.ServerTime)+ahead)
		v.Vehicles = make([]network.VehicleState, len(newest.Vehicles))
		for i, s := range newest.Vehicles {
			s.X += s.VX * float32(ahead)
			s.Y += s.VY * float32(ahead)
			v.Vehicles[i] = s
		}
		v.Extrapolated = ahead > 0
		return v
	}

	// Find the pair around t.
	i := sort.Search(len(ip.buf), func(i int) bool {
		return float64(ip.buf[i].snap.ServerTime) > t
	})
	a, b := ip.buf[i-1].snap, ip.buf[i].snap
	alpha := (t - float64(a.ServerTime)) / float64(b.ServerTime-a.ServerTime)

	nearest := a
	if alpha >= 0.5 {
		nearest = b
	}
	v := viewOf(nearest, t)
	v.Vehicles = make([]network.VehicleState, 0, len(b.Vehicles))
	for _, to := range b.Vehicles {
		from, ok := findVehicle(a.Vehicles, to.ID)
		if !ok {
			v.Vehicles = append(v.Vehicles, to)
			continue
		}
		v.Vehicles = append(v.Vehicles, lerpVehicle(from, to, alpha))
	}
	return v
}

func viewOf(s *network.Snapshot, t float64) RemoteView {
	return RemoteView{
		ServerTime: t,
		Vehicles:   s.Vehicles,
		Missiles:   s.Missiles,
		Oils:       s.Oils,
		Items:      s.Items,
	}
}

func findVehicle(vs []network.VehicleState, id uint8) (network.VehicleState, bool) {
	for _, v := range vs {
		if v.ID == id {
			return v, true
		}
	}
	return network.VehicleState{}, false
}

// lerpVehicle blends the continuous fields; everything else comes from to.
func lerpVehicle(from, to network.VehicleState, alpha float64) network.VehicleState {
	out := to
	a := float32(alpha)
	out.X = from.X + (to.X-from.X)*a
	out.Y = from.Y + (to.Y-from.Y)*a
	out.VX = from.VX + (to.VX-from.VX)*a
	out.VY = from.VY + (to.VY-from.VY)*a
	out.Angle = float32(float64(from.Angle) + game.AngleDelta(float64(from.Angle), float64(to.Angle))*alpha)
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
