package mrnes

// freq.go converts between 802.11 2.4GHz-band channel numbers and
// center frequency in Hz, the mapping DEVICE_REGISTER's channel_number
// field and a RadioDesc's FreqHz are expressed in terms of each other.

// ChannelNumberToFreqHz returns the 2.4GHz-band center frequency, in
// Hz, for the given 802.11 channel number (channel 1 = 2412 MHz).
// Channel 0 is the wire protocol's "unspecified" sentinel and maps to 0.
func ChannelNumberToFreqHz(channelNumber uint32) uint32 {
	if channelNumber == 0 {
		return 0
	}
	return 2_407_000_000 + 5_000_000*channelNumber
}

// FreqHzToChannelNumber is the inverse of ChannelNumberToFreqHz,
// rounding to the nearest channel number. A frequency below the band
// maps to 0.
func FreqHzToChannelNumber(freqHz uint32) uint32 {
	const base = 2_407_000_000
	if freqHz < base {
		return 0
	}
	return (freqHz - base + 2_500_000) / 5_000_000
}
