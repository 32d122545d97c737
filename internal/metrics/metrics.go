package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "besim_build_info",
		Help: "Build information of the besim server",
	}, []string{"version", "commit", "date"})

	UDPPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "besim_udp_packets_total", Help: "Total UDP datagrams read from the device listener.",
	})
	UDPBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "besim_udp_bytes_total", Help: "Total bytes read from the device listener.",
	})
	UDPReadErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "besim_udp_read_errors_total", Help: "Total UDP read errors.",
	}, []string{"kind"})

	FrameDecodeErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "besim_frame_decode_errors_total", Help: "Datagrams dropped by the frame codec.",
	})
	MessageDecodeErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "besim_message_decode_errors_total", Help: "Frames dropped by the wrapper or body codecs.",
	})
	DeviceRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "besim_device_rejected_total", Help: "Uplinks with the valid bit clear.",
	})

	UplinkMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "besim_uplink_messages_total", Help: "Decoded uplink messages by type.",
	}, []string{"type"})
	DownlinkMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "besim_downlink_messages_total", Help: "Transmitted downlink messages by type.",
	}, []string{"type"})
	TransmitErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "besim_transmit_errors_total", Help: "Total downlink send failures.",
	})

	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "besim_request_timeouts_total", Help: "Correlated downlink requests that timed out.",
	})

	DevicesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "besim_devices_known", Help: "Number of devices present in the shadow.",
	})

	WeatherFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "besim_weather_fetches_total", Help: "Upstream weather fetch outcomes.",
	}, []string{"result"})
	HistoryWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "besim_history_writes_total", Help: "Temperature history insert outcomes.",
	}, []string{"result"})
)
