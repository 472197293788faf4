package classify

import "testing"

func TestClassifyChannelVoice(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
	}{
		{"note on", []byte{0x90, 60, 100}},
		{"note off", []byte{0x80, 60, 0}},
		{"control change", []byte{0xB0, 7, 127}},
		{"pitch bend", []byte{0xE0, 0, 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.msg); got != RealTime {
				t.Errorf("Classify(%v) = %v, want RealTime", tt.msg, got)
			}
		})
	}
}

func TestClassifySystemRealTime(t *testing.T) {
	for status := byte(0xF8); status <= 0xFF; status++ {
		if got := Classify([]byte{status}); got != RealTime {
			t.Errorf("Classify([%02X]) = %v, want RealTime", status, got)
		}
	}
}

func TestClassifySysExAndSystemCommon(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
	}{
		{"sysex", []byte{0xF0, 0x7E, 0x00, 0xF7}},
		{"song position", []byte{0xF2, 0x00, 0x00}},
		{"tune request", []byte{0xF6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.msg); got != NonRealTime {
				t.Errorf("Classify(%v) = %v, want NonRealTime", tt.msg, got)
			}
		})
	}
}

func TestClassifyTotalityOnEmptyAndInvalid(t *testing.T) {
	if got := Classify(nil); got != NonRealTime {
		t.Errorf("Classify(nil) = %v, want NonRealTime", got)
	}
	if got := Classify([]byte{}); got != NonRealTime {
		t.Errorf("Classify([]byte{}) = %v, want NonRealTime", got)
	}
}

func TestChannelIsOneBased(t *testing.T) {
	if ch := Channel([]byte{0x90, 60, 100}); ch != 1 {
		t.Errorf("Channel(0x90...) = %d, want 1", ch)
	}
	if ch := Channel([]byte{0x9F, 60, 100}); ch != 16 {
		t.Errorf("Channel(0x9F...) = %d, want 16", ch)
	}
}

func TestChannelZeroForNonChannelMessages(t *testing.T) {
	if ch := Channel([]byte{0xF0, 0x7E}); ch != 0 {
		t.Errorf("Channel(sysex) = %d, want 0", ch)
	}
	if ch := Channel(nil); ch != 0 {
		t.Errorf("Channel(nil) = %d, want 0", ch)
	}
}

func TestTypeOfDistinguishesChannelVoiceTypes(t *testing.T) {
	tests := []struct {
		msg  []byte
		want MessageType
	}{
		{[]byte{0x80, 60, 0}, TypeNoteOff},
		{[]byte{0x90, 60, 100}, TypeNoteOn},
		{[]byte{0xA0, 60, 50}, TypePolyAftertouch},
		{[]byte{0xB0, 7, 127}, TypeControlChange},
		{[]byte{0xC0, 5}, TypeProgramChange},
		{[]byte{0xD0, 64}, TypeChannelAftertouch},
		{[]byte{0xE0, 0, 64}, TypePitchBend},
		{[]byte{0xF0, 0x7E, 0xF7}, TypeSysEx},
		{[]byte{0xF7}, TypeSysEx},
		{[]byte{0xF2, 0, 0}, TypeSystemCommon},
		{[]byte{0xF8}, TypeSystemRealTime},
	}
	for _, tt := range tests {
		if got := TypeOf(tt.msg); got != tt.want {
			t.Errorf("TypeOf(%v) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestAllMessageTypesCoversEveryBit(t *testing.T) {
	types := []MessageType{
		TypeNoteOn, TypeNoteOff, TypePolyAftertouch, TypeControlChange,
		TypeProgramChange, TypeChannelAftertouch, TypePitchBend,
		TypeSystemCommon, TypeSystemRealTime, TypeSysEx,
	}
	for _, ty := range types {
		if AllMessageTypes&ty == 0 {
			t.Errorf("AllMessageTypes missing bit %v", ty)
		}
	}
}
