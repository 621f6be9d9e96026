package audio

// Opus packet plausibility bounds for device uplink frames.
const (
	minOpusPacket = 1
	maxOpusPacket = 400
)

// IsOpus reports whether pkt looks like a mono Opus packet.
//
// The first byte is the TOC: config in the top five bits, the stereo flag in
// bit 2 and the frame-count code in the low two bits. Devices only send mono,
// so a set stereo bit or an implausible size means the payload is PCM.
// The check is a heuristic; the device protocol carries no format flag.
func IsOpus(pkt []byte) bool {
	if len(pkt) < minOpusPacket || len(pkt) > maxOpusPacket {
		return false
	}
	toc := pkt[0]
	config := toc >> 3
	stereo := toc&0x04 != 0
	return config <= 31 && !stereo
}
