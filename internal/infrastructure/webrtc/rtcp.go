package webrtc

import (
	"sync/atomic"

	"meetrelay/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TrackSink receives the RTP packets of every inbound remote track.
type TrackSink interface {
	WriteRTP(from domain.ParticipantID, kind webrtc.RTPCodecType, packet *rtp.Packet) error
}

// DiscardSink drops every packet.
type DiscardSink struct{}

func (DiscardSink) WriteRTP(domain.ParticipantID, webrtc.RTPCodecType, *rtp.Packet) error {
	return nil
}

type linkStats struct {
	pli       atomic.Uint64
	nack      atomic.Uint64
	bytes     atomic.Uint64
	lost      atomic.Uint64
	estimated atomic.Uint64
}

func (s *linkStats) snapshot() domain.LinkStats {
	return domain.LinkStats{
		PLIReceived:   s.pli.Load(),
		NACKReceived:  s.nack.Load(),
		BytesReceived: s.bytes.Load(),
		PacketsLost:   s.lost.Load(),
		EstimatedBPS:  s.estimated.Load(),
	}
}

// record classifies feedback packets into the link counters.
func (s *linkStats) record(packets []rtcp.Packet) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.pli.Add(1)
		case *rtcp.TransportLayerNack:
			var n uint64
			for _, pair := range p.Nacks {
				n += uint64(len(pair.PacketList()))
			}
			s.nack.Add(n)
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			s.estimated.Store(uint64(p.Bitrate))
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				// TotalLost is cumulative per source.
				if lost := uint64(report.TotalLost); lost > s.lost.Load() {
					s.lost.Store(lost)
				}
			}
		}
	}
}

type rtcpReader interface {
	ReadRTCP() ([]rtcp.Packet, error)
}

// drainRTCP reads feedback until the sender or receiver stops. Unread RTCP
// stalls the interceptors.
func drainRTCP(r rtcpReader, stats *linkStats) {
	for {
		packets, err := r.ReadRTCP()
		if err != nil {
			return
		}
		stats.record(packets)
	}
}

// readRemoteTrack hands every RTP packet of track to sink until the track
// ends.
func readRemoteTrack(from domain.ParticipantID, track remoteTrack, sink TrackSink, stats *linkStats, logger *zap.SugaredLogger) {
	go drainRTCP(track, stats)

	buf := make([]byte, 1500) // MTU size
	packet := &rtp.Packet{}
	for {
		n, err := track.Read(buf)
		if err != nil {
			logger.Debugw("remote track ended",
				"participant_id", from,
				"track_id", track.ID(),
				"reason", err,
			)
			return
		}
		stats.bytes.Add(uint64(n))

		if err := packet.Unmarshal(buf[:n]); err != nil {
			logger.Warnw("error unmarshaling RTP packet",
				"participant_id", from,
				"track_id", track.ID(),
				"error", err,
			)
			continue
		}
		if err := sink.WriteRTP(from, track.Kind(), packet); err != nil {
			logger.Warnw("track sink rejected packet",
				"participant_id", from,
				"track_id", track.ID(),
				"error", err,
			)
		}
	}
}
