package store

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/types"
)

// encodeEvent serializes a record as a StoredEvent table.
func encodeEvent(ev *nostr.Event) []byte {
	builder := flatbuffers.NewBuilder(512)

	// Nested offsets must be built before the table that references them.
	tagOffsets := make([]flatbuffers.UOffsetT, len(ev.Tags))
	for i, tag := range ev.Tags {
		values := make([]flatbuffers.UOffsetT, len(tag))
		for j, v := range tag {
			values[j] = builder.CreateString(v)
		}

		types.TagStartValuesVector(builder, len(values))
		for j := len(values) - 1; j >= 0; j-- {
			builder.PrependUOffsetT(values[j])
		}
		valuesVec := builder.EndVector(len(values))

		types.TagStart(builder)
		types.TagAddValues(builder, valuesVec)
		tagOffsets[i] = types.TagEnd(builder)
	}

	types.StoredEventStartTagsVector(builder, len(tagOffsets))
	for i := len(tagOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(tagOffsets[i])
	}
	tagsVec := builder.EndVector(len(tagOffsets))

	idOff := builder.CreateString(ev.ID)
	pubOff := builder.CreateString(ev.PubKey)
	contentOff := builder.CreateString(ev.Content)
	sigOff := builder.CreateString(ev.Sig)

	types.StoredEventStart(builder)
	types.StoredEventAddId(builder, idOff)
	types.StoredEventAddPubkey(builder, pubOff)
	types.StoredEventAddCreatedAt(builder, int64(ev.CreatedAt))
	types.StoredEventAddKind(builder, int32(ev.Kind))
	types.StoredEventAddTags(builder, tagsVec)
	types.StoredEventAddContent(builder, contentOff)
	types.StoredEventAddSig(builder, sigOff)

	builder.Finish(types.StoredEventEnd(builder))

	return builder.FinishedBytes()
}

// decodeEvent reads a StoredEvent table back into a record.
func decodeEvent(data []byte) (ev *nostr.Event, err error) {
	// Corrupt buffers make the accessors index out of range.
	defer func() {
		if r := recover(); r != nil {
			ev, err = nil, fmt.Errorf("decode stored event: %v", r)
		}
	}()

	se := types.GetRootAsStoredEvent(data, 0)

	ev = &nostr.Event{
		ID:        string(se.Id()),
		PubKey:    string(se.Pubkey()),
		CreatedAt: nostr.Timestamp(se.CreatedAt()),
		Kind:      int(se.Kind()),
		Content:   string(se.Content()),
		Sig:       string(se.Sig()),
		Tags:      make(nostr.Tags, se.TagsLength()),
	}

	var tag types.Tag
	for i := range ev.Tags {
		se.Tags(&tag, i)

		values := make(nostr.Tag, tag.ValuesLength())
		for j := range values {
			values[j] = string(tag.Values(j))
		}

		ev.Tags[i] = values
	}

	return ev, nil
}
